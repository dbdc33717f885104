package vad

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"
)

// RemoteModel calls an HTTP-hosted VAD service (e.g. a Silero VAD sidecar)
// over a small JSON protocol, mirroring the baseURL/apiKey client shape used
// by the llm and asr adapters elsewhere in this module.
type RemoteModel struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewRemoteModel returns a Model backed by a remote VAD HTTP endpoint. It is
// the newModel func passed to vad.New when VAD_BASE_URL is configured.
func NewRemoteModel(baseURL, apiKey string) func() (Model, error) {
	return func() (Model, error) {
		if baseURL == "" {
			return nil, fmt.Errorf("vad: VAD_BASE_URL not configured")
		}
		return &RemoteModel{
			BaseURL:    baseURL,
			APIKey:     apiKey,
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
		}, nil
	}
}

type remoteDetectRequest struct {
	SampleRate int    `json:"sample_rate"`
	PCMBase64  string `json:"pcm_base64"`
}

type remoteDetectResponse struct {
	Regions []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"regions"`
}

// Detect implements Model by POSTing raw 16kHz float32 PCM to the remote
// service and decoding its region list.
func (m *RemoteModel) Detect(samples []float32) []Region {
	raw := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], math.Float32bits(s))
	}
	reqBody := remoteDetectRequest{
		SampleRate: sampleRate,
		PCMBase64:  base64.StdEncoding.EncodeToString(raw),
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.BaseURL+"/detect", bytes.NewReader(buf))
	if err != nil {
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var out remoteDetectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	regions := make([]Region, len(out.Regions))
	for i, r := range out.Regions {
		regions[i] = Region{Start: r.Start, End: r.End}
	}
	return regions
}
