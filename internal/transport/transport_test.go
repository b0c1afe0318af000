package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/refresh"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/relayerrors"
	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor time.Duration = 5 * time.Second
const tick time.Duration = 5 * time.Millisecond

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type refreshCounter struct {
	started atomic.Int32
	joined  atomic.Int32
}

func (r *refreshCounter) RefreshStarted()                    { r.started.Add(1) }
func (r *refreshCounter) RefreshJoined()                     { r.joined.Add(1) }
func (r *refreshCounter) RefreshSettled(bool, time.Duration) {}

type retryCounter struct {
	lock     sync.Mutex
	outcomes []string
}

func (r *retryCounter) RequestRetried(outcome string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// upstream accepts requests carrying "Bearer <valid>" and answers 401 otherwise
type upstream struct {
	lock   sync.Mutex
	valid  string
	seen   map[string]int
	bodies []string
}

func newUpstream(valid string) *upstream {
	return &upstream{valid: valid, seen: map[string]int{}}
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	auth := r.Header.Get("Authorization")
	u.lock.Lock()
	u.seen[auth]++
	u.bodies = append(u.bodies, string(body))
	valid := u.valid
	u.lock.Unlock()
	if auth != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "unauthorized")
		return
	}
	fmt.Fprintf(w, "ok %s", body)
}

func (u *upstream) count(auth string) int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.seen[auth]
}

func (u *upstream) seenBodies() []string {
	u.lock.Lock()
	defer u.lock.Unlock()
	return append([]string{}, u.bodies...)
}

func (u *upstream) total() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	total := 0
	for _, n := range u.seen {
		total += n
	}
	return total
}

func newCoordinator(t *testing.T, store models.TokensStorage, refreshFunc refresh.RefreshFunc, options ...refresh.CoordinatorOption) *refresh.Coordinator {
	options = append([]refresh.CoordinatorOption{refresh.WithTokensStorage(store), refresh.WithRefreshFunc(refreshFunc)}, options...)
	c, err := refresh.NewCoordinator(options...)
	require.NoError(t, err)
	return c
}

func newClient(t *testing.T, coordinator Coordinator, options ...Option) *http.Client {
	client := &http.Client{}
	err := Apply(client, append([]Option{WithCoordinator(coordinator)}, options...)...)
	require.NoError(t, err)
	return client
}

func staticRefresh(tokens models.AuthTokenPair, calls *atomic.Int32) refresh.RefreshFunc {
	return func(context.Context, string) (models.AuthTokenPair, error) {
		calls.Add(1)
		return tokens, nil
	}
}

func readBody(t *testing.T, res *http.Response) string {
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestAttachesAccessToken(t *testing.T) {
	up := newUpstream("A1")
	server := httptest.NewServer(up)
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)))
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	res, err := client.Do(req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok ", readBody(t, res))
	assert.Equal(t, 1, up.count("Bearer A1"))
	assert.Equal(t, "", req.Header.Get("Authorization"))
	assert.Equal(t, int32(0), calls.Load())
}

func TestNoTokenNoHeader(t *testing.T) {
	var seen http.Header
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)), WithBase(base))

	res, err := client.Get("http://upstream.example.org")

	require.NoError(t, err)
	res.Body.Close()
	_, found := seen["Authorization"]
	assert.False(t, found)
}

func TestCustomHeader(t *testing.T) {
	var seen http.Header
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)),
		WithBase(base),
		WithApplyAccessToken(BearerToken("X-Api-Token")),
	)

	res, err := client.Get("http://upstream.example.org")

	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, "Bearer A1", seen.Get("X-Api-Token"))
	assert.Equal(t, "", seen.Get("Authorization"))
}

func TestRetryAfterRefresh(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	var calls atomic.Int32
	retries := &retryCounter{}
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, &calls)),
		WithMetrics(retries),
	)
	req, err := http.NewRequest(http.MethodPost, server.URL, io.NopCloser(strings.NewReader("payload")))
	require.NoError(t, err)
	require.Nil(t, req.GetBody)
	req.Header.Set("X-Custom", "kept")

	res, err := client.Do(req)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok payload", readBody(t, res))
	assert.Equal(t, 1, up.count("Bearer A1"))
	assert.Equal(t, 1, up.count("Bearer A2"))
	assert.Equal(t, []string{"payload", "payload"}, up.seenBodies())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"sent"}, retries.outcomes)
}

func TestSecondFailureIsReturnedUnchanged(t *testing.T) {
	up := newUpstream("never-valid")
	server := httptest.NewServer(up)
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, &calls)))

	res, err := client.Get(server.URL)

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", readBody(t, res))
	assert.Equal(t, 2, up.total())
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshFailure(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	endpointErr := fmt.Errorf("invalid_grant")
	retries := &retryCounter{}
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	coordinator := newCoordinator(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		return models.AuthTokenPair{}, endpointErr
	})
	client := newClient(t, coordinator, WithMetrics(retries))

	_, err := client.Get(server.URL)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, http.StatusUnauthorized, refreshErr.StatusCode)
	assert.ErrorIs(t, err, relayerrors.ErrRefreshFailed)
	assert.ErrorIs(t, err, endpointErr)
	assert.Equal(t, 1, up.total())
	assert.Equal(t, []string{"refresh_failed"}, retries.outcomes)
	accessToken, err := store.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", accessToken)
}

func TestNonTriggerFailurePassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "forbidden")
	}))
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)))

	res, err := client.Get(server.URL)

	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", readBody(t, res))
	assert.Equal(t, int32(0), calls.Load())
}

func TestTransportErrorIsNotClassified(t *testing.T) {
	transportErr := fmt.Errorf("connection refused")
	base := roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, transportErr
	})
	var classified atomic.Int32
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)),
		WithBase(base),
		WithShouldRefresh(func(context.Context, *http.Response) (bool, error) {
			classified.Add(1)
			return true, nil
		}),
	)

	_, err := client.Get("http://upstream.example.org")

	assert.ErrorIs(t, err, transportErr)
	assert.Equal(t, int32(0), classified.Load())
	assert.Equal(t, int32(0), calls.Load())
}

func TestClassifierError(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	classifierErr := fmt.Errorf("cannot classify")
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)),
		WithShouldRefresh(func(context.Context, *http.Response) (bool, error) {
			return false, classifierErr
		}),
	)

	_, err := client.Get(server.URL)

	assert.ErrorIs(t, err, classifierErr)
	assert.Equal(t, int32(0), calls.Load())
}

func TestBodyContainsClassifier(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer A2" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error": "token expired"}`)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, &calls)),
		WithShouldRefresh(BodyContains("token expired")),
	)

	res, err := client.Get(server.URL)

	require.NoError(t, err)
	assert.Equal(t, "ok", readBody(t, res))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestClassifierBodyIsKept(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	}))
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(
		t,
		newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls)),
		WithShouldRefresh(BodyContains("token expired")),
	)

	res, err := client.Get(server.URL)

	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad request", readBody(t, res))
}

func TestStatusCodesClassifier(t *testing.T) {
	shouldRefresh := StatusCodes(401, 419)

	for code, expected := range map[int]bool{401: true, 419: true, 403: false, 500: false} {
		should, err := shouldRefresh(context.Background(), &http.Response{StatusCode: code})
		require.NoError(t, err)
		assert.Equal(t, expected, should, "status %d", code)
	}
}

// Three requests fail with A1 at the same time, one refresh exchanges R1 for A2/R2, all three
// are retried with A2 and a request sent afterwards uses A2 right away.
func TestConcurrentFailuresShareOneRefresh(t *testing.T) {
	const concurrent = 3
	failed := sync.WaitGroup{}
	failed.Add(concurrent)
	var hitsA1, hitsA2 atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer A1":
			hitsA1.Add(1)
			failed.Done()
			failed.Wait()
			w.WriteHeader(http.StatusUnauthorized)
		case "Bearer A2":
			hitsA2.Add(1)
			fmt.Fprint(w, "ok")
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	counter := &refreshCounter{}
	release := make(chan struct{})
	var calls atomic.Int32
	var usedRefreshToken atomic.Value
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	coordinator := newCoordinator(
		t,
		store,
		func(_ context.Context, refreshToken string) (models.AuthTokenPair, error) {
			calls.Add(1)
			usedRefreshToken.Store(refreshToken)
			<-release
			return models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, nil
		},
		refresh.WithMetrics(counter),
	)
	client := newClient(t, coordinator)

	results := make(chan int, concurrent)
	errs := make(chan error, concurrent)
	for i := 0; i < concurrent; i++ {
		go func() {
			res, err := client.Get(server.URL)
			if err != nil {
				errs <- err
				return
			}
			res.Body.Close()
			results <- res.StatusCode
		}()
	}
	require.Eventually(t, func() bool {
		return counter.started.Load()+counter.joined.Load() == concurrent
	}, waitFor, tick)
	close(release)
	for i := 0; i < concurrent; i++ {
		select {
		case status := <-results:
			assert.Equal(t, http.StatusOK, status)
		case err := <-errs:
			t.Fatalf("request failed: %v", err)
		case <-time.After(waitFor):
			t.Fatal("timed out waiting for the retried requests")
		}
	}

	res, err := client.Get(server.URL)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "R1", usedRefreshToken.Load())
	assert.Equal(t, int32(concurrent), hitsA1.Load())
	assert.Equal(t, int32(concurrent+1), hitsA2.Load())
	refreshToken, err := store.GetRefreshToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "R2", refreshToken)
}

func TestLateFailureReusesSettledRefresh(t *testing.T) {
	slowSent := make(chan struct{})
	slowRelease := make(chan struct{})
	var hitsA1 atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer A2":
			fmt.Fprint(w, "ok")
		case "Bearer A1":
			hitsA1.Add(1)
			if r.URL.Path == "/slow" {
				close(slowSent)
				<-slowRelease
			}
			w.WriteHeader(http.StatusUnauthorized)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, &calls)))

	slowStatus := make(chan int, 1)
	go func() {
		res, err := client.Get(server.URL + "/slow")
		if err != nil {
			slowStatus <- 0
			return
		}
		res.Body.Close()
		slowStatus <- res.StatusCode
	}()
	<-slowSent
	fast, err := client.Get(server.URL + "/fast")
	require.NoError(t, err)
	fast.Body.Close()
	require.Equal(t, http.StatusOK, fast.StatusCode)
	require.Equal(t, int32(1), calls.Load())
	close(slowRelease)

	assert.Equal(t, http.StatusOK, <-slowStatus)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(2), hitsA1.Load())
}

type failingIDGenerator struct{}

func (failingIDGenerator) ID() (string, error) {
	return "", fmt.Errorf("entropy exhausted")
}

func TestIDGenerationFailureDoesNotAbortRequest(t *testing.T) {
	up := newUpstream("A1")
	server := httptest.NewServer(up)
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	tr, err := NewTransport(WithCoordinator(newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls))))
	require.NoError(t, err)
	tr.idGenerator = failingIDGenerator{}
	client := &http.Client{Transport: tr}

	res, err := client.Get(server.URL)

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok ", readBody(t, res))
}

func TestRequestsWaitForRefreshInFlight(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	release := make(chan struct{})
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	coordinator := newCoordinator(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		<-release
		return models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, nil
	})
	client := newClient(t, coordinator)

	go coordinator.Refresh(context.Background()) //nolint:errcheck
	require.Eventually(t, coordinator.InFlight, waitFor, tick)
	statusCh := make(chan int, 1)
	go func() {
		res, err := client.Get(server.URL)
		if err != nil {
			statusCh <- 0
			return
		}
		res.Body.Close()
		statusCh <- res.StatusCode
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, up.total())
	close(release)

	assert.Equal(t, http.StatusOK, <-statusCh)
	assert.Equal(t, 0, up.count("Bearer A1"))
	assert.Equal(t, 1, up.count("Bearer A2"))
}

func TestRequestAbortedWhenRefreshInFlightFails(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	release := make(chan struct{})
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	coordinator := newCoordinator(t, store, func(context.Context, string) (models.AuthTokenPair, error) {
		<-release
		return models.AuthTokenPair{}, fmt.Errorf("invalid_grant")
	})
	client := newClient(t, coordinator)

	go coordinator.Refresh(context.Background()) //nolint:errcheck
	require.Eventually(t, coordinator.InFlight, waitFor, tick)
	errCh := make(chan error, 1)
	go func() {
		res, err := client.Get(server.URL)
		if err == nil {
			res.Body.Close()
		}
		errCh <- err
	}()
	close(release)

	err := <-errCh
	assert.ErrorIs(t, err, relayerrors.ErrRefreshFailed)
	assert.Equal(t, 0, up.total())
}

func TestGetBodyIsUsedForReplay(t *testing.T) {
	up := newUpstream("A2")
	server := httptest.NewServer(up)
	defer server.Close()
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1", RefreshToken: "R1"})
	client := newClient(t, newCoordinator(t, store, staticRefresh(models.AuthTokenPair{AccessToken: "A2", RefreshToken: "R2"}, &calls)))

	res, err := client.Post(server.URL, "text/plain", strings.NewReader("replayed"))

	require.NoError(t, err)
	assert.Equal(t, "ok replayed", readBody(t, res))
	assert.Equal(t, []string{"replayed", "replayed"}, up.seenBodies())
}

func TestNewTransportWithoutCoordinator(t *testing.T) {
	_, err := NewTransport()
	assert.True(t, errors.Is(err, relayerrors.ErrMissingCoordinator))

	err = Apply(&http.Client{})
	assert.ErrorIs(t, err, relayerrors.ErrMissingCoordinator)
}

func TestApplyKeepsExistingTransport(t *testing.T) {
	var used atomic.Int32
	base := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		used.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req}, nil
	})
	var calls atomic.Int32
	store := tokenstore.NewMemoryStore(models.AuthTokenPair{AccessToken: "A1"})
	client := &http.Client{Transport: base}

	err := Apply(client, WithCoordinator(newCoordinator(t, store, staticRefresh(models.AuthTokenPair{}, &calls))))
	require.NoError(t, err)
	res, err := client.Get("http://upstream.example.org")

	require.NoError(t, err)
	res.Body.Close()
	assert.IsType(t, &Transport{}, client.Transport)
	assert.Equal(t, int32(1), used.Load())
}
