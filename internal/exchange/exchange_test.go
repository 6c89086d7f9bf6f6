package exchange

import (
	"context"
	"errors"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", &Error{Kind: KindTransient, Op: "klines", Msg: "rate limit"}, true},
		{"insufficient margin", &Error{Kind: KindInsufficientMargin, Op: "createOrder"}, false},
		{"invalid order", &Error{Kind: KindInvalidOrder, Op: "createOrder"}, false},
		{"permanent", &Error{Kind: KindPermanent, Op: "balance"}, false},
		// 未分类的底层错误 (网络抖动) 按瞬时处理
		{"plain error", errors.New("connection reset"), true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("%s: IsTransient = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return &Error{Kind: KindInvalidOrder, Op: "createOrder", Msg: "precision"}
	})
	if err == nil {
		t.Fatalf("permanent error swallowed")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestRetryRecovers(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return &Error{Kind: KindTransient, Op: "klines", Msg: "timeout"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v, want success on second attempt", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func() error {
		calls++
		return &Error{Kind: KindTransient, Op: "klines", Msg: "timeout"}
	})
	if err == nil {
		t.Fatalf("exhausted retry returned nil")
	}
	if calls != MaxAttempts {
		t.Fatalf("calls = %d, want %d", calls, MaxAttempts)
	}
}

func TestClassifyBinanceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   int
		want   ErrorKind
	}{
		{"http rate limit", 429, 0, KindTransient},
		{"ip ban", 418, 0, KindTransient},
		{"server error", 503, 0, KindTransient},
		{"internal error code", 400, -1001, KindTransient},
		{"timestamp drift", 400, -1021, KindTransient},
		{"insufficient margin", 400, -2019, KindInsufficientMargin},
		{"bad precision", 400, -1111, KindInvalidOrder},
		{"below min notional", 400, -4164, KindInvalidOrder},
		{"unknown code", 400, -9999, KindPermanent},
	}
	for _, tt := range tests {
		got := classify("op", tt.status, apiError{Code: tt.code})
		if got.Kind != tt.want {
			t.Errorf("%s: kind = %v, want %v", tt.name, got.Kind, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindInvalidOrder, Op: "createOrder", Code: -1111, Msg: "Precision is over the maximum"}
	if got := e.Error(); got != "exchange: createOrder: code=-1111 Precision is over the maximum" {
		t.Fatalf("Error() = %q", got)
	}
}
