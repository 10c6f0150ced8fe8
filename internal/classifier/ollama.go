package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultEndpoint = "http://localhost:11434"

// OllamaConfig configures the Ollama HTTP backend.
type OllamaConfig struct {
	Endpoint    string
	Model       string
	Temperature float64
	Seed        int
	// Client overrides the HTTP client; the default one is traced with
	// otelhttp and has no timeout of its own (the gateway bounds each call).
	Client *http.Client
}

// Ollama talks to a local Ollama server.
type Ollama struct {
	endpoint string
	model    string
	temp     float64
	seed     int
	client   *http.Client
}

func NewOllama(cfg OllamaConfig) *Ollama {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 12345
	}
	return &Ollama{
		endpoint: endpoint,
		model:    strings.TrimSpace(cfg.Model),
		temp:     cfg.Temperature,
		seed:     seed,
		client:   client,
	}
}

func (o *Ollama) Name() string { return "ollama/" + o.model }

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama: status %d", e.Code)
	}
	return fmt.Sprintf("ollama: status %d: %s", e.Code, e.Body)
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
	Seed        int     `json:"seed"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Generate runs one non-streaming completion and returns the raw answer.
func (o *Ollama) Generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Options: generateOptions{
			Temperature: o.temp,
			TopP:        0.1,
			NumPredict:  10,
			Seed:        o.seed,
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrMalformed, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama generate: %s", out.Error)
	}
	return out.Response, nil
}

// Models lists the models installed on the server.
func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama tags: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	var tags struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama tags decode: %w", err)
	}
	out := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		out = append(out, name)
	}
	return out, nil
}

// HasModel reports whether the configured model is installed. A bare name
// ("llama3") matches any tag of it ("llama3:8b").
func (o *Ollama) HasModel(ctx context.Context) (bool, error) {
	models, err := o.Models(ctx)
	if err != nil {
		return false, err
	}
	want := o.model
	base, _, _ := strings.Cut(want, ":")
	for _, m := range models {
		if m == want || strings.HasPrefix(m, base+":") || m == base {
			return true, nil
		}
	}
	return false, nil
}
