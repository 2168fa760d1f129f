package zai

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
)

func newTestProvider(maxConcurrent int) *Provider {
	transport := llm.NewTransport(llm.DefaultRetryOptions(), zap.NewNop())
	return New("zai", config.Provider{APIKey: "k", MaxConcurrent: maxConcurrent}, transport, zap.NewNop())
}

func TestAcquire_BlocksAtWidth(t *testing.T) {
	p := newTestProvider(2)

	rel1, err := p.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	rel2, err := p.acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.acquire(ctx); err == nil {
		t.Fatal("third acquire must block until a slot frees")
	}

	rel1()
	if _, err := p.acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	rel2()
}

func TestAcquire_ManyWaitersAllProceed(t *testing.T) {
	p := newTestProvider(2)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := p.acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Fatalf("concurrency gate leaked: peak %d > 2", peak)
	}
}

func TestReleasingBody_CloseIsIdempotent(t *testing.T) {
	released := 0
	body := &releasingBody{
		ReadCloser: io.NopCloser(strings.NewReader("data")),
		release:    func() { released++ },
	}
	_ = body.Close()
	_ = body.Close()
	if released != 1 {
		t.Fatalf("release must run exactly once, ran %d times", released)
	}
}

func TestDefaultWidth(t *testing.T) {
	p := newTestProvider(0)
	if cap(p.sem) != defaultMaxConcurrent {
		t.Fatalf("expected default width %d, got %d", defaultMaxConcurrent, cap(p.sem))
	}
}
