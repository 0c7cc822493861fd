package fn

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("Ok should be ok")
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
}

func TestErrf(t *testing.T) {
	r := Errf[string]("code %d", 404)
	_, err := r.Unwrap()
	if err == nil || err.Error() != "code 404" {
		t.Fatal("Errf wrong message")
	}
}

func TestUnwrapOr(t *testing.T) {
	if Ok(1).UnwrapOr(9) != 1 {
		t.Fatal("should return value")
	}
	if Err[int](errors.New("x")).UnwrapOr(9) != 9 {
		t.Fatal("should return fallback")
	}
}

func TestMapResult(t *testing.T) {
	r := MapResult(Ok(5), func(v int) string { return strconv.Itoa(v) })
	if v, _ := r.Unwrap(); v != "5" {
		t.Fatal("MapResult failed")
	}
	e := MapResult(Err[int](errors.New("x")), func(v int) string { return "" })
	if e.IsOk() {
		t.Fatal("MapResult on Err should stay Err")
	}
}

func TestFromPair(t *testing.T) {
	r := FromPair(strconv.Atoi("42"))
	if v, _ := r.Unwrap(); v != 42 {
		t.Fatal("FromPair failed")
	}
	e := FromPair(strconv.Atoi("nope"))
	if e.IsOk() {
		t.Fatal("FromPair should fail")
	}
}

func TestCollect(t *testing.T) {
	all := Collect([]Result[int]{Ok(1), Ok(2), Ok(3)})
	v, err := all.Unwrap()
	if err != nil || len(v) != 3 || v[0] != 1 {
		t.Fatal("Collect failed")
	}

	bad := Collect([]Result[int]{Ok(1), Err[int](errors.New("e1")), Err[int](errors.New("e2"))})
	_, err = bad.Unwrap()
	if err == nil || err.Error() != "e1" {
		t.Fatal("Collect should return first error")
	}

	empty := Collect([]Result[int]{})
	if !empty.IsOk() {
		t.Fatal("Collect empty should be ok")
	}
}

// --- Slice ---

func TestMap(t *testing.T) {
	out := Map([]int{1, 2, 3}, func(v int) int { return v * 2 })
	if len(out) != 3 || out[2] != 6 {
		t.Fatal("Map failed")
	}
	empty := Map([]int{}, func(v int) int { return v })
	if len(empty) != 0 {
		t.Fatal("Map empty failed")
	}
}

func TestFilter(t *testing.T) {
	out := Filter([]int{1, 2, 3, 4}, func(v int) bool { return v%2 == 0 })
	if len(out) != 2 || out[0] != 2 {
		t.Fatal("Filter failed")
	}
}

func TestChunk(t *testing.T) {
	c := Chunk([]int{1, 2, 3, 4, 5}, 2)
	if len(c) != 3 || len(c[2]) != 1 {
		t.Fatal("Chunk failed")
	}
	if Chunk([]int{1}, 0) != nil {
		t.Fatal("Chunk n<=0 should return nil")
	}
	if Chunk([]int{1}, -1) != nil {
		t.Fatal("Chunk negative should return nil")
	}
}

func TestUniqueBy(t *testing.T) {
	type item struct {
		id   int
		name string
	}
	out := UniqueBy([]item{{1, "a"}, {2, "b"}, {1, "c"}}, func(i item) int { return i.id })
	if len(out) != 2 || out[0].name != "a" {
		t.Fatal("UniqueBy failed")
	}
}

// --- Parallel ---

func TestParMapResult(t *testing.T) {
	out := ParMapResult([]int{1, 2, 3, 4}, 2, func(v int) Result[int] { return Ok(v * 2) })
	for i, r := range out {
		v, _ := r.Unwrap()
		if v != (i+1)*2 {
			t.Fatalf("ParMapResult order broken at %d", i)
		}
	}
}

func TestParMapResultEmpty(t *testing.T) {
	out := ParMapResult([]int{}, 2, func(v int) Result[int] { return Ok(v) })
	if len(out) != 0 {
		t.Fatal("ParMapResult empty should return empty")
	}
}

func TestParMapResultUnbounded(t *testing.T) {
	out := ParMapResult([]int{1, 2, 3}, 0, func(v int) Result[int] { return Ok(v + 1) })
	if v, _ := out[0].Unwrap(); v != 2 {
		t.Fatal("ParMapResult unbounded failed")
	}
	if v, _ := out[2].Unwrap(); v != 4 {
		t.Fatal("ParMapResult unbounded failed")
	}
}

// --- Pipeline ---

func TestThen(t *testing.T) {
	double := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v * 2) })
	addOne := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) })

	composed := Then(double, addOne)
	r := composed(context.Background(), 5)
	if v, _ := r.Unwrap(); v != 11 {
		t.Fatal("Then failed")
	}
}

func TestThenShortCircuits(t *testing.T) {
	fail := Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("fail")) })
	called := false
	second := Stage[int, int](func(_ context.Context, v int) Result[int] {
		called = true
		return Ok(v)
	})

	r := Then(fail, second)(context.Background(), 1)
	if r.IsOk() || called {
		t.Fatal("Then should short-circuit")
	}
}

func TestMapStage(t *testing.T) {
	s := MapStage(func(v int) string { return strconv.Itoa(v) })
	r := s(context.Background(), 42)
	if v, _ := r.Unwrap(); v != "42" {
		t.Fatal("MapStage failed")
	}
}

func TestTapStage(t *testing.T) {
	var captured int
	s := TapStage(func(_ context.Context, v int) { captured = v })
	r := s(context.Background(), 7)
	if v, _ := r.Unwrap(); v != 7 || captured != 7 {
		t.Fatal("TapStage failed")
	}
}

func TestTracedStage(t *testing.T) {
	s := TracedStage("test-stage", Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) }))
	r := s(context.Background(), 1)
	if v, _ := r.Unwrap(); v != 2 {
		t.Fatal("TracedStage failed")
	}

	e := TracedStage("err-stage", Stage[int, int](func(_ context.Context, _ int) Result[int] { return Err[int](errors.New("x")) }))
	if e(context.Background(), 1).IsOk() {
		t.Fatal("TracedStage error should propagate")
	}
}

// --- Retry ---

func TestRetrySuccess(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, Jitter: false}, func(_ context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Err[int](errors.New("not yet"))
		}
		return Ok(42)
	})
	if v, _ := r.Unwrap(); v != 42 || attempts != 3 {
		t.Fatal("Retry should succeed on 3rd attempt")
	}
}

func TestRetryExhausted(t *testing.T) {
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, Jitter: false}, func(_ context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if r.IsOk() {
		t.Fatal("Retry should fail after exhausting attempts")
	}
}

func TestRetryIfShortCircuits(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	r := Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	}, func(_ context.Context) Result[int] {
		attempts++
		return Err[int](permanent)
	})
	if r.IsOk() || attempts != 1 {
		t.Fatalf("RetryIf should stop after first attempt, got %d", attempts)
	}
	_, err := r.Unwrap()
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	r := Retry(ctx, RetryOpts{MaxAttempts: 100, InitialWait: 10 * time.Millisecond, Jitter: false}, func(ctx context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if r.IsOk() {
		t.Fatal("Retry should fail on context cancel")
	}
}

func TestRetryStage(t *testing.T) {
	attempts := 0
	s := RetryStage(RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, Jitter: false},
		Stage[int, int](func(_ context.Context, v int) Result[int] {
			attempts++
			if attempts < 2 {
				return Err[int](errors.New("fail"))
			}
			return Ok(v * 2)
		}))
	r := s(context.Background(), 5)
	if v, _ := r.Unwrap(); v != 10 {
		t.Fatal("RetryStage failed")
	}
}
