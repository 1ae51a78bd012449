package synth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/roleplay/internal/segment"
	"github.com/MrWong99/roleplay/pkg/provider"
	"github.com/MrWong99/roleplay/pkg/provider/tts"
	"github.com/MrWong99/roleplay/pkg/provider/tts/mock"
	"github.com/MrWong99/roleplay/pkg/types"
)

// gated returns a provider whose calls block until the chunk text is
// released, and a release func.
func gated(texts ...string) (*mock.Provider, func(text string)) {
	gates := make(map[string]chan struct{}, len(texts))
	for _, s := range texts {
		gates[s] = make(chan struct{})
	}
	p := &mock.Provider{
		SynthesizeFunc: func(ctx context.Context, text string) ([]byte, error) {
			select {
			case <-gates[text]:
				return []byte("audio:" + text), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	return p, func(text string) { close(gates[text]) }
}

func chunk(i int) segment.Chunk {
	return segment.Chunk{Index: i, Text: fmt.Sprintf("c%d", i)}
}

func noSleep(context.Context, time.Duration) error { return nil }

func collect(results *[]Result) func(Result) error {
	return func(r Result) error {
		*results = append(*results, r)
		return nil
	}
}

func TestOrderedDeliveryUnderOutOfOrderCompletion(t *testing.T) {
	p, release := gated("c1", "c2", "c3", "c4", "c5")
	pool := NewPool(p, Config{Workers: 5})
	turn := pool.NewTurn(context.Background(), types.VoiceProfile{ID: "nova"})
	defer turn.Close()

	for i := 1; i <= 5; i++ {
		turn.Submit(chunk(i))
	}

	var got []Result
	for _, n := range []int{3, 1, 5, 2, 4} {
		release(fmt.Sprintf("c%d", n))
		<-turn.tasks[n-1].done
		if err := turn.Drain(collect(&got)); err != nil {
			t.Fatal(err)
		}
	}
	if err := turn.Finish(context.Background(), collect(&got)); err != nil {
		t.Fatal(err)
	}

	// Chunk 4 completes last, so Drain delivers 4 and 5 together and Finish
	// only has the closing result left.
	if len(got) != 6 {
		t.Fatalf("got %d results, want 5 chunks and a closing result", len(got))
	}
	for i, r := range got[:5] {
		if r.Index != i+1 {
			t.Errorf("position %d has chunk %d", i, r.Index)
		}
		if string(r.Audio) != fmt.Sprintf("audio:c%d", i+1) {
			t.Errorf("chunk %d audio = %q", r.Index, r.Audio)
		}
		if r.Final {
			t.Errorf("chunk %d delivered by Drain is marked final", r.Index)
		}
	}
	if closing := got[5]; closing.Index != 0 || !closing.Final || closing.Audio != nil {
		t.Errorf("closing result = %+v", closing)
	}
}

func TestDrainWaitsForPredecessors(t *testing.T) {
	p, release := gated("c1", "c2", "c3")
	turn := NewPool(p, Config{Workers: 3}).NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()
	for i := 1; i <= 3; i++ {
		turn.Submit(chunk(i))
	}

	var got []Result
	release("c2")
	<-turn.tasks[1].done
	_ = turn.Drain(collect(&got))
	if len(got) != 0 {
		t.Fatalf("chunk 2 delivered before chunk 1: %+v", got)
	}

	release("c1")
	<-turn.tasks[0].done
	_ = turn.Drain(collect(&got))
	if len(got) != 2 || got[0].Index != 1 || got[1].Index != 2 {
		t.Fatalf("got %+v, want chunks 1 and 2", got)
	}

	release("c3")
	_ = turn.Finish(context.Background(), collect(&got))
	if len(got) != 3 || !got[2].Final {
		t.Errorf("got %+v", got)
	}
}

func TestDrainDeliversReadyChunkEagerly(t *testing.T) {
	turn := NewPool(&mock.Provider{}, Config{}).NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()

	turn.Submit(chunk(1))
	<-turn.tasks[0].done

	var got []Result
	_ = turn.Drain(collect(&got))
	if len(got) != 1 || got[0].Index != 1 || got[0].Final {
		t.Fatalf("first chunk not delivered as soon as it was ready: %+v", got)
	}

	turn.Submit(chunk(2))
	_ = turn.Finish(context.Background(), collect(&got))
	if len(got) != 2 || got[1].Index != 2 || !got[1].Final {
		t.Errorf("got %+v", got)
	}
}

func TestFinishClosesTurn(t *testing.T) {
	tests := []struct {
		name   string
		chunks int
	}{
		{"no chunks", 0},
		{"all drained", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			turn := NewPool(nil, Config{}).NewTurn(context.Background(), types.VoiceProfile{})
			defer turn.Close()
			var got []Result
			for i := 1; i <= tt.chunks; i++ {
				turn.Submit(chunk(i))
				<-turn.tasks[i-1].done
				_ = turn.Drain(collect(&got))
			}
			if len(got) != tt.chunks {
				t.Fatalf("drained %d results, want %d", len(got), tt.chunks)
			}

			if err := turn.Finish(context.Background(), collect(&got)); err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.chunks+1 {
				t.Fatalf("got %+v", got)
			}
			if last := got[len(got)-1]; last.Index != 0 || !last.Final {
				t.Errorf("closing result = %+v", last)
			}
		})
	}
}

func TestFailureIsolation(t *testing.T) {
	boom := errors.New("upstream 503")
	p := &mock.Provider{
		SynthesizeFunc: func(_ context.Context, text string) ([]byte, error) {
			if text == "c3" {
				return nil, boom
			}
			return []byte(text), nil
		},
	}
	turn := NewPool(p, Config{}, withSleep(noSleep)).NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()
	for i := 1; i <= 5; i++ {
		turn.Submit(chunk(i))
	}

	var got []Result
	if err := turn.Finish(context.Background(), collect(&got)); err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d results, want 5", len(got))
	}
	for _, r := range got {
		switch r.Index {
		case 3:
			if !errors.Is(r.Err, boom) || r.Audio != nil {
				t.Errorf("chunk 3 = %+v, want failure marker", r)
			}
			if r.Attempts != DefaultAttempts {
				t.Errorf("chunk 3 attempts = %d", r.Attempts)
			}
		default:
			if r.Err != nil || len(r.Audio) == 0 {
				t.Errorf("chunk %d = %+v, want audio", r.Index, r)
			}
		}
	}
	if !got[4].Final {
		t.Error("last result not final")
	}
}

func TestRetrySucceedsWithBackoff(t *testing.T) {
	var calls atomic.Int32
	p := &mock.Provider{
		SynthesizeFunc: func(context.Context, string) ([]byte, error) {
			if calls.Add(1) < 3 {
				return nil, provider.Wrap("openai", "synthesize", provider.KindRateLimited, errors.New("429"))
			}
			return []byte("ok"), nil
		},
	}
	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return nil
	}

	turn := NewPool(p, Config{}, withSleep(sleep)).NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()
	turn.Submit(chunk(1))

	var got []Result
	_ = turn.Finish(context.Background(), collect(&got))
	if got[0].Err != nil || string(got[0].Audio) != "ok" || got[0].Attempts != 3 {
		t.Errorf("result = %+v", got[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(delays, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}) {
		t.Errorf("delays = %v", delays)
	}
}

func TestValidationErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"empty text", tts.ErrEmptyText},
		{"invalid input", provider.Wrap("openai", "synthesize", provider.KindInvalidInput, errors.New("400"))},
		{"auth", provider.Wrap("polly", "synthesize", provider.KindAuth, errors.New("denied"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mock.Provider{SynthesizeFunc: func(context.Context, string) ([]byte, error) { return nil, tt.err }}
			turn := NewPool(p, Config{}, withSleep(noSleep)).NewTurn(context.Background(), types.VoiceProfile{})
			defer turn.Close()
			turn.Submit(chunk(1))

			var got []Result
			_ = turn.Finish(context.Background(), collect(&got))
			if got[0].Attempts != 1 || got[0].Err == nil {
				t.Errorf("result = %+v", got[0])
			}
			if p.CallCount() != 1 {
				t.Errorf("calls = %d", p.CallCount())
			}
		})
	}
}

func TestTextOnlyMode(t *testing.T) {
	pool := NewPool(nil, Config{})
	if !pool.TextOnly() {
		t.Fatal("nil provider should be text-only")
	}
	turn := pool.NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()
	turn.Submit(chunk(1))
	turn.Submit(chunk(2))

	var got []Result
	_ = turn.Finish(context.Background(), collect(&got))
	if len(got) != 2 {
		t.Fatalf("got %+v", got)
	}
	for _, r := range got {
		if r.Audio != nil || r.Err != nil {
			t.Errorf("text-only result = %+v", r)
		}
	}
}

func TestFinishHonoursContext(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	p := &mock.Provider{
		SynthesizeFunc: func(ctx context.Context, text string) ([]byte, error) {
			close(started)
			select {
			case <-gate:
				return []byte("audio:" + text), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	turn := NewPool(p, Config{}).NewTurn(context.Background(), types.VoiceProfile{})
	turn.Submit(chunk(1))
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got []Result
	if err := turn.Finish(ctx, collect(&got)); !errors.Is(err, context.Canceled) {
		t.Errorf("Finish = %v, want context.Canceled", err)
	}
	if len(got) != 0 {
		t.Errorf("results delivered after cancel: %+v", got)
	}
	turn.Close()

	// The running call is detached from the request and completes.
	close(gate)
	<-turn.tasks[0].done
	if string(turn.tasks[0].res.Audio) != "audio:c1" {
		t.Errorf("in-flight call result = %+v", turn.tasks[0].res)
	}
}

func TestCloseAbandonsQueuedChunks(t *testing.T) {
	p, release := gated("c1", "c2")
	turn := NewPool(p, Config{Workers: 1}).NewTurn(context.Background(), types.VoiceProfile{})
	turn.Submit(chunk(1))
	turn.Submit(chunk(2))

	turn.Close()
	release("c1")
	release("c2")
	<-turn.tasks[0].done
	<-turn.tasks[1].done

	// At most the chunk holding the single slot runs; the other gives up.
	ok := 0
	for _, tk := range turn.tasks {
		switch {
		case tk.res.Err == nil:
			ok++
		case !errors.Is(tk.res.Err, context.Canceled):
			t.Errorf("chunk %d err = %v", tk.index, tk.res.Err)
		}
	}
	if ok > 1 {
		t.Errorf("%d chunks ran after Close with one slot", ok)
	}
}

func TestEmitErrorStopsDelivery(t *testing.T) {
	turn := NewPool(&mock.Provider{}, Config{}).NewTurn(context.Background(), types.VoiceProfile{})
	defer turn.Close()
	turn.Submit(chunk(1))
	turn.Submit(chunk(2))

	broken := errors.New("client gone")
	n := 0
	err := turn.Finish(context.Background(), func(Result) error {
		n++
		return broken
	})
	if !errors.Is(err, broken) || n != 1 {
		t.Errorf("err = %v after %d emits", err, n)
	}
}

func TestRequestContextDoesNotCancelCalls(t *testing.T) {
	p := &mock.Provider{
		SynthesizeFunc: func(ctx context.Context, text string) ([]byte, error) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return []byte(text), nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	turn := NewPool(p, Config{}).NewTurn(ctx, types.VoiceProfile{})
	defer turn.Close()
	cancel()
	turn.Submit(chunk(1))

	var got []Result
	_ = turn.Finish(context.Background(), collect(&got))
	if got[0].Err != nil {
		t.Errorf("call canceled with the request: %v", got[0].Err)
	}
}
