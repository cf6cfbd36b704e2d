package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/GPTx-global/inferd/oracle/types"
)

type WebhookTestSuite struct {
	suite.Suite
	server   *httptest.Server
	webhook  *Webhook
	calls5xx atomic.Int32
	lastBody atomic.Value
}

func TestWebhookSuite(t *testing.T) {
	suite.Run(t, new(WebhookTestSuite))
}

func (suite *WebhookTestSuite) SetupTest() {
	suite.calls5xx.Store(0)
	mux := http.NewServeMux()
	mux.HandleFunc("/structured", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		suite.lastBody.Store(string(body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"inferenceValue": 1.2500, "forecasts": [{"workerAddress": "allo1a", "forecastedValue": "3"}], "extraData": "aGk=", "proof": "p"}`))
	})
	mux.HandleFunc("/scalar", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("42.5\n"))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>oops</html>`))
	})
	mux.HandleFunc("/bad-request", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if suite.calls5xx.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"inferenceValue": "7"}`))
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, r *http.Request) {
		suite.calls5xx.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"inferenceValue": "1"}`))
	})
	suite.server = httptest.NewServer(mux)
	suite.webhook = NewWebhook(2*time.Second, 1)
}

func (suite *WebhookTestSuite) TearDownTest() {
	suite.server.Close()
}

func (suite *WebhookTestSuite) TestStructured() {
	// When
	p, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/structured", []string{"allo1x", "allo1y"})

	// Then
	suite.Require().NoError(err)
	suite.Equal("1.25", p.InferenceValue)
	suite.Equal([]types.Forecast{{WorkerAddress: "allo1a", ForecastedValue: "3"}}, p.Forecasts)
	suite.Equal([]byte("hi"), p.ExtraData)
	suite.Equal("p", p.Proof)

	var req webhookRequest
	suite.Require().NoError(json.Unmarshal([]byte(suite.lastBody.Load().(string)), &req))
	suite.Equal([]string{"allo1x", "allo1y"}, req.ActiveWorkers)
}

func (suite *WebhookTestSuite) TestNilWorkersSentAsEmptyArray() {
	_, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/structured", nil)
	suite.Require().NoError(err)
	suite.JSONEq(`{"activeWorkers": []}`, suite.lastBody.Load().(string))
}

func (suite *WebhookTestSuite) TestScalar() {
	p, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/scalar", nil)
	suite.Require().NoError(err)
	suite.Equal("42.5", p.InferenceValue)
}

func (suite *WebhookTestSuite) TestEmptyObjectIsInvalid() {
	_, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/empty", nil)
	suite.ErrorIs(err, types.ErrInvalidPrediction)
}

func (suite *WebhookTestSuite) TestUnrecognizedIsInvalid() {
	_, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/garbage", nil)
	suite.ErrorIs(err, types.ErrInvalidPrediction)
	suite.Contains(err.Error(), "unrecognized")
}

func (suite *WebhookTestSuite) TestClientErrorIsInvalid() {
	_, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/bad-request", nil)
	suite.ErrorIs(err, types.ErrInvalidPrediction)
	suite.Contains(err.Error(), "HTTP 400")
}

func (suite *WebhookTestSuite) TestServerErrorRetriedOnce() {
	p, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/flaky", nil)
	suite.Require().NoError(err)
	suite.Equal("7", p.InferenceValue)
	suite.EqualValues(2, suite.calls5xx.Load())
}

func (suite *WebhookTestSuite) TestServerErrorExhausted() {
	_, err := suite.webhook.Predict(context.Background(), suite.server.URL+"/down", nil)
	suite.ErrorIs(err, types.ErrWebhookUnavailable)
	suite.EqualValues(2, suite.calls5xx.Load())
}

func (suite *WebhookTestSuite) TestTimeout() {
	w := NewWebhook(100*time.Millisecond, 0)
	_, err := w.Predict(context.Background(), suite.server.URL+"/slow", nil)
	suite.ErrorIs(err, types.ErrWebhookUnavailable)
}

func TestParsePrediction(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		want    types.Prediction
		wantErr bool
	}{
		{"string inference", `{"inferenceValue": "0.10"}`, types.Prediction{InferenceValue: "0.1"}, false},
		{"forecasts only", `{"forecasts": [{"workerAddress": "w", "forecastedValue": 2}]}`,
			types.Prediction{Forecasts: []types.Forecast{{WorkerAddress: "w", ForecastedValue: "2"}}}, false},
		{"null inference", `{"inferenceValue": null}`, types.Prediction{}, false},
		{"json string scalar", `"3.14"`, types.Prediction{InferenceValue: "3.14"}, false},
		{"bad number", `{"inferenceValue": "abc"}`, types.Prediction{}, true},
		{"huge exponent", `{"inferenceValue": "1e1000000000"}`, types.Prediction{}, true},
		{"tiny exponent", `{"inferenceValue": "1e-1000000000"}`, types.Prediction{}, true},
		{"zero with huge exponent", `{"inferenceValue": "0e1000000000"}`, types.Prediction{InferenceValue: "0"}, false},
		{"scientific within bounds", `{"inferenceValue": "-2.5e3"}`, types.Prediction{InferenceValue: "-2500"}, false},
		{"forecast without worker", `{"forecasts": [{"forecastedValue": 1}]}`, types.Prediction{}, true},
		{"bad extra data", `{"inferenceValue": "1", "extraData": "***"}`, types.Prediction{}, true},
		{"array", `[1, 2]`, types.Prediction{}, true},
		{"text", `hello`, types.Prediction{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePrediction([]byte(tc.body))
			if tc.wantErr {
				require.ErrorIs(t, err, types.ErrInvalidPrediction)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
