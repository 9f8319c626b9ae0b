package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleiq/orchestrator/pkg/evidence"
	"github.com/ruleiq/orchestrator/pkg/fault"
	"github.com/ruleiq/orchestrator/pkg/services"
)

type stubCollector struct {
	name     string
	controls []string
	items    map[string][]evidence.RawItem
}

func (c *stubCollector) Name() string { return c.name }

func (c *stubCollector) Discover(ctx context.Context) ([]string, error) {
	return c.controls, nil
}

func (c *stubCollector) Fetch(ctx context.Context, controlID string) ([]evidence.RawItem, error) {
	return c.items[controlID], nil
}

func (c *stubCollector) QualityScore(item evidence.RawItem) float64 { return 0.8 }

func awsConfigCollector() *stubCollector {
	now := time.Now().UTC()
	return &stubCollector{
		name:     "aws_config",
		controls: []string{"CC6.1", "CC7.2"},
		items: map[string][]evidence.RawItem{
			"CC6.1": {{
				Type:        "config_snapshot",
				NaturalKey:  "sg-rules",
				ControlIDs:  []string{"CC6.1"},
				CollectedAt: now,
				RawRef:      "s3://evidence/sg-rules",
			}},
			"CC7.2": {{
				Type:        "config_snapshot",
				NaturalKey:  "cloudtrail-status",
				ControlIDs:  []string{"CC7.2"},
				CollectedAt: now,
				RawRef:      "s3://evidence/cloudtrail-status",
			}},
		},
	}
}

// awaitCollectionStatus polls GET /api/v1/collections/:id until the
// collection reaches want.
func (e *apiEnv) awaitCollectionStatus(t *testing.T, id string, want evidence.CollectionStatus) *services.CollectionView {
	t.Helper()
	var view services.CollectionView
	require.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/api/v1/collections/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return false
		}
		return view.Status == want
	}, 10*time.Second, 20*time.Millisecond, "collection %s never reached %s", id, want)
	return &view
}

func TestCollect(t *testing.T) {
	env := newAPIEnv(t, linearGraph(passNode("a")), awsConfigCollector())

	resp := env.postJSON(t, "/api/v1/collections", CollectRequest{TenantID: "tenant-1"})
	var accepted CollectionAcceptedResponse
	decodeJSON(t, resp, &accepted)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted.CollectionID)

	view := env.awaitCollectionStatus(t, accepted.CollectionID, evidence.CollectionCompleted)
	assert.Equal(t, "tenant-1", view.TenantID)
	assert.Equal(t, 2, view.Collected)
	assert.Equal(t, []string{"aws_config"}, view.Sources)
	assert.Empty(t, view.Error)
}

func TestCollect_Validation(t *testing.T) {
	env := newAPIEnv(t, linearGraph(passNode("a")), awsConfigCollector())

	t.Run("missing tenant", func(t *testing.T) {
		resp := env.postJSON(t, "/api/v1/collections", CollectRequest{})
		var body ErrorResponse
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, string(fault.KindInvalidInput), body.Kind)
		assert.Contains(t, body.Error, "tenant id")
	})

	t.Run("unknown mode", func(t *testing.T) {
		resp := env.postJSON(t, "/api/v1/collections", CollectRequest{TenantID: "tenant-1", Mode: "bulk"})
		var body ErrorResponse
		decodeJSON(t, resp, &body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body.Error, "unknown collection mode")
	})
}

func TestGetCollection_NotFound(t *testing.T) {
	env := newAPIEnv(t, linearGraph(passNode("a")))

	resp, err := http.Get(env.ts.URL + "/api/v1/collections/col-missing")
	require.NoError(t, err)
	var body ErrorResponse
	decodeJSON(t, resp, &body)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, string(fault.KindNotFound), body.Kind)
}
