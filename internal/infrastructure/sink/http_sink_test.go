package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/infrastructure/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDelivery(account string) *Delivery {
	return &Delivery{
		OrganizationID: "org-1",
		AccountID:      account,
		ProcessedID:    "0000000000001000",
		DocTime:        "0000000000001000",
		Org:            usage.NewOrg("org-1"),
	}
}

func TestHTTPSink(t *testing.T) {
	ctx := context.Background()

	t.Run("PostsDeliveryAsJSON", func(t *testing.T) {
		var received Delivery
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		s, err := NewHTTPSink(HTTPConfig{URLs: []string{srv.URL}, Token: "secret"}, zap.NewNop())
		require.NoError(t, err)

		require.NoError(t, s.Post(ctx, testDelivery("account-1")))
		assert.Equal(t, "org-1", received.OrganizationID)
		require.NotNil(t, received.Org)
	})

	t.Run("PartitionsByAccount", func(t *testing.T) {
		counts := make([]int, 2)
		var servers []*httptest.Server
		var urls []string
		for i := range counts {
			i := i
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				counts[i]++
				w.WriteHeader(http.StatusCreated)
			}))
			servers = append(servers, srv)
			urls = append(urls, srv.URL)
		}
		defer func() {
			for _, srv := range servers {
				srv.Close()
			}
		}()

		s, err := NewHTTPSink(HTTPConfig{URLs: urls}, zap.NewNop())
		require.NoError(t, err)

		// Same account always lands on the same endpoint.
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Post(ctx, testDelivery("account-1")))
		}
		assert.Contains(t, counts, 4)
		assert.Contains(t, counts, 0)
	})

	t.Run("ErrorStatusReported", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		s, err := NewHTTPSink(HTTPConfig{URLs: []string{srv.URL}}, zap.NewNop())
		require.NoError(t, err)

		err = s.Post(ctx, testDelivery("account-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 502")
	})

	t.Run("RequiresAtLeastOneURL", func(t *testing.T) {
		_, err := NewHTTPSink(HTTPConfig{}, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestMulti(t *testing.T) {
	ctx := context.Background()

	t.Run("FansOutInOrder", func(t *testing.T) {
		var order []string
		m := Multi{
			sinkFunc(func() error { order = append(order, "a"); return nil }),
			sinkFunc(func() error { order = append(order, "b"); return nil }),
		}
		require.NoError(t, m.Post(ctx, testDelivery("account-1")))
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("StopsAtFirstFailure", func(t *testing.T) {
		calls := 0
		fail := errors.New("down")
		m := Multi{
			sinkFunc(func() error { return fail }),
			sinkFunc(func() error { calls++; return nil }),
		}
		require.Error(t, m.Post(ctx, testDelivery("account-1")))
		assert.Equal(t, 0, calls)
	})
}

type sinkFunc func() error

func (f sinkFunc) Post(context.Context, *Delivery) error { return f() }

func TestS3Archive(t *testing.T) {
	t.Run("ValidatesConfiguration", func(t *testing.T) {
		_, err := NewS3Archive(nil, zap.NewNop())
		assert.Error(t, err)

		_, err = NewS3Archive(&config.StorageConfig{}, zap.NewNop())
		assert.Error(t, err)

		_, err = NewS3Archive(&config.StorageConfig{Bucket: "archive"}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("ObjectKeysPartitionErrorsFromResults", func(t *testing.T) {
		s, err := NewS3Archive(&config.StorageConfig{
			Bucket:    "archive",
			AccessKey: "key",
			SecretKey: "secret",
		}, zap.NewNop())
		require.NoError(t, err)

		d := testDelivery("account-1")
		assert.Equal(t, "orgs/org-1/0000000000001000/0000000000001000.json", s.objectKey(d))

		d.ErrorDoc = &usage.Event{OrganizationID: "org-1"}
		assert.Equal(t, "errors/org-1/0000000000001000.json", s.objectKey(d))
	})
}
