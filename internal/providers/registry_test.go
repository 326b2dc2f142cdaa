package providers

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/cerise-ai/cerise/internal/cerr"
	"github.com/cerise-ai/cerise/pkg/models"
)

// fakeProvider is a minimal in-memory Provider for registry tests.
type fakeProvider struct {
	name string
	caps Capabilities
}

func (f *fakeProvider) Name() string               { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
func (f *fakeProvider) AvailableModels() []string  { return []string{"fake-1"} }

func (f *fakeProvider) Chat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (*models.ChatResponse, error) {
	return &models.ChatResponse{Content: "ok", Model: "fake-1"}, nil
}

func (f *fakeProvider) StreamChat(ctx context.Context, messages []*models.Message, opts *ChatOptions) (<-chan string, error) {
	ch := make(chan string)
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string, model string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (f *fakeProvider) Rerank(ctx context.Context, query string, documents []string, model string, topK int) ([]RerankResult, error) {
	return nil, cerr.Wrap(cerr.ErrFailedPrecondition, "no rerank")
}

func fakeBuilder(counter *int) Builder {
	return func(name string, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
		*counter++
		caps := Capabilities{Chat: true}
		if cfg.Capabilities != nil {
			caps = *cfg.Capabilities
		}
		return &fakeProvider{name: name, caps: caps}, nil
	}
}

func TestGetBuildsAndCaches(t *testing.T) {
	built := 0
	r := NewRegistry(Config{
		Default:   "main",
		Providers: map[string]ProviderConfig{"main": {Type: "fake"}},
	}, nil)
	r.RegisterBuilder("fake", fakeBuilder(&built))

	p1, err := r.Get("main")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.Get("main")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 || built != 1 {
		t.Errorf("expected one cached build, got built=%d", built)
	}
}

func TestGetUnknownProvider(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	_, err := r.Get("ghost")
	if !errors.Is(err, cerr.ErrNotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
}

func TestDefaultProvider(t *testing.T) {
	built := 0
	r := NewRegistry(Config{
		Default: "a",
		Providers: map[string]ProviderConfig{
			"a": {Type: "fake"},
			"b": {Type: "fake"},
		},
	}, nil)
	r.RegisterBuilder("fake", fakeBuilder(&built))

	p, err := r.Default()
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "a" {
		t.Errorf("Default() = %s, want a", p.Name())
	}
}

func TestWithCapability(t *testing.T) {
	built := 0
	embedCaps := &Capabilities{Chat: true, Embeddings: true}
	r := NewRegistry(Config{
		Default: "chatty",
		Providers: map[string]ProviderConfig{
			"chatty":   {Type: "fake"},
			"embedder": {Type: "fake", Capabilities: embedCaps},
		},
	}, nil)
	r.RegisterBuilder("fake", fakeBuilder(&built))

	p, err := r.WithCapability("embeddings")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "embedder" {
		t.Errorf("WithCapability = %s, want embedder", p.Name())
	}

	_, err = r.WithCapability("rerank")
	if !errors.Is(err, cerr.ErrFailedPrecondition) {
		t.Errorf("error = %v, want FailedPrecondition", err)
	}
}

func TestPutInjectsProvider(t *testing.T) {
	r := NewRegistry(Config{}, nil)
	r.Put("stub", &fakeProvider{name: "stub", caps: Capabilities{Chat: true}})
	p, err := r.Get("stub")
	if err != nil || p.Name() != "stub" {
		t.Errorf("Get(stub) = %v, %v", p, err)
	}
}
