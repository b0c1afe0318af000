package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const envPrefix string = "TOKENRELAY"
const configLocationEnv string = "CONFIG_LOCATION"

// ConfigHandler loads config.yaml and secret_config.yaml. Values from the secret file win
// over config.yaml and environment variables (TOKENRELAY_SERVER_PORT for server.port) win
// over both. Only keys present in config.yaml can be set from the environment and lists
// are replaced, never merged.
type ConfigHandler struct {
	lock   sync.Mutex
	public *viper.Viper
	secret *viper.Viper
}

// configPaths are searched in order, the first directory holding a file is used
func configPaths() []string {
	paths := []string{"/etc/tokenrelay", "."}
	if location := os.Getenv(configLocationEnv); location != "" {
		paths = append([]string{location}, paths...)
	}
	return paths
}

func newYAMLViper(name string, paths []string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName(name)
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	return v
}

func NewConfigHandler() *ConfigHandler {
	paths := configPaths()
	return &ConfigHandler{
		public: newYAMLViper("config", paths),
		secret: newYAMLViper("secret_config", paths),
	}
}

// Config reads the files again and returns the validated result
func (c *ConfigHandler) Config() (Config, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	err := c.read()
	if err != nil {
		return Config{}, err
	}
	var output Config
	err = c.public.Unmarshal(&output, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		parseStringAsURL(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("cannot decode the configuration: %w", err)
	}
	err = output.Validate()
	if err != nil {
		return Config{}, err
	}
	return output, nil
}

func (c *ConfigHandler) read() error {
	err := c.public.ReadInConfig()
	if err != nil {
		return err
	}
	// the secret viper carries the env bindings so that they override the secret file
	for _, key := range c.public.AllKeys() {
		env := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		err = c.secret.BindEnv(key, env)
		if err != nil {
			return fmt.Errorf("cannot bind %s to %s: %w", key, env, err)
		}
	}
	err = c.secret.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case errors.As(err, &notFound):
		slog.Info("CONFIG", "message", "no secret config file found, using the public file and environment variables only")
	case err != nil:
		return err
	}
	return c.public.MergeConfigMap(c.secret.AllSettings())
}

// HandleChanges calls callback with the reloaded configuration whenever one of the files
// changes, Watch has to be called for changes to be detected
func (c *ConfigHandler) HandleChanges(callback func(Config, error)) {
	onChange := func(e fsnotify.Event) {
		slog.Info("CONFIG", "message", "config file changed", "path", e.Name, "operation", e.Op.String())
		callback(c.Config())
	}
	c.public.OnConfigChange(onChange)
	c.secret.OnConfigChange(onChange)
}

func (c *ConfigHandler) Watch() {
	c.public.WatchConfig()
	c.secret.WatchConfig()
}

func parseStringAsURL() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(url.URL{}) {
			return data, nil
		}
		raw, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("cannot cast URL value to string")
		}
		if raw == "" {
			return nil, fmt.Errorf("empty values are not allowed for URLs")
		}
		return url.Parse(raw)
	}
}
