package external

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbonetl/internal/types"
)

const sampleResponse = `{
  "data": [
    {
      "from": "2024-01-01T00:00Z",
      "to": "2024-01-01T00:30Z",
      "regions": [
        {
          "regionid": 1,
          "dnoregion": "Scottish Hydro Electric Power Distribution",
          "shortname": "North Scotland",
          "intensity": {"forecast": 0, "index": "very low"},
          "generationmix": [
            {"fuel": "biomass", "perc": 0},
            {"fuel": "wind", "perc": 94.2}
          ]
        },
        {
          "regionid": 13,
          "dnoregion": "UKPN London",
          "shortname": "London",
          "intensity": {"forecast": 142, "index": "moderate"},
          "generationmix": [
            {"fuel": "gas", "perc": 30.1}
          ]
        }
      ]
    }
  ]
}`

func newTestCarbonClient(t *testing.T) *CarbonIntensityClient {
	t.Helper()
	return NewCarbonIntensityClient(&http.Client{Timeout: 5 * time.Second}, CarbonIntensityClientConfig{}, WithSleepFunc(noopSleep))
}

func TestFetch_Success(t *testing.T) {
	var gotAccept, gotUA, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	readings, err := newTestCarbonClient(t).Fetch(context.Background(), DailyURL(server.URL, day))
	require.NoError(t, err)

	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "Mozilla/5.0", gotUA)
	assert.Equal(t, "/2024-01-01/pt24h", gotPath)

	require.Len(t, readings, 1)
	assert.Equal(t, "2024-01-01T00:00Z", readings[0].From)
	require.Len(t, readings[0].Regions, 2)
	london := readings[0].Regions[1]
	assert.Equal(t, 13, london.RegionID)
	assert.Equal(t, "UKPN London", london.DNORegion)
	assert.Equal(t, 142, london.Intensity.Forecast)
	assert.Equal(t, "moderate", london.Intensity.Index)
	assert.Equal(t, []types.FuelShare{{Fuel: "gas", Perc: 30.1}}, london.GenerationMix)
}

func TestFetch_MissingDataKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"400 Bad Request","message":"Please enter a valid date"}}`))
	}))
	defer server.Close()

	readings, err := newTestCarbonClient(t).Fetch(context.Background(), server.URL)

	assert.Nil(t, readings)
	assert.True(t, types.IsCode(err, types.ErrCodeExtraction))
	assert.ErrorContains(t, err, "no data key")
}

func TestFetch_NonJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<html>not found</html>"))
	}))
	defer server.Close()

	_, err := newTestCarbonClient(t).Fetch(context.Background(), server.URL)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeExtraction))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.NotNil(t, appErr.Err, "decode cause should be attached")
	assert.Equal(t, http.StatusNotFound, appErr.Details["status_code"])
}

func TestFetch_EmptyData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	readings, err := newTestCarbonClient(t).Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Empty(t, readings)
}

func TestFetch_ServerErrorIsExtractionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestCarbonClient(t).Fetch(context.Background(), server.URL)

	assert.True(t, types.IsCode(err, types.ErrCodeExtraction))
}

func TestFetch_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleResponse))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestCarbonClient(t).Fetch(ctx, server.URL)
	assert.True(t, types.IsCode(err, types.ErrCodeExtraction))
}

func TestURLBuilders(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)

	assert.Equal(t,
		"https://api.carbonintensity.org.uk/regional/intensity/2024-01-01/pt24h",
		DailyURL(DefaultCarbonIntensityBaseURL, start))
	assert.Equal(t,
		"https://api.carbonintensity.org.uk/regional/intensity/2024-01-01/2024-01-31",
		RangeURL(DefaultCarbonIntensityBaseURL+"/", start, end))
}
