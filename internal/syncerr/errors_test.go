package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestSentinelMatching(t *testing.T) {
	err := fmt.Errorf("fetching: %w", Item(CodeNotFound, "fetch", "task", "17", nil))

	if !errors.Is(err, ErrNotFound) {
		t.Error("wrapped not-found does not match ErrNotFound")
	}
	if errors.Is(err, ErrTransient) {
		t.Error("not-found matched ErrTransient")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound = false")
	}
	if got := CodeOf(err); got != CodeNotFound {
		t.Errorf("CodeOf = %s", got)
	}
}

func TestSentinelPerCode(t *testing.T) {
	sentinels := map[Code]*Error{
		CodeInvalidConfig:      ErrInvalidConfig,
		CodeTransient:          ErrTransient,
		CodeRateLimited:        ErrRateLimited,
		CodeNotFound:           ErrNotFound,
		CodeIntegrity:          ErrIntegrity,
		CodeConflictUnresolved: ErrConflictUnresolved,
		CodeCacheIO:            ErrCacheIO,
		CodeRemoteUnavailable:  ErrRemoteUnavailable,
		CodeRunInProgress:      ErrRunInProgress,
		CodeStaleRevision:      ErrStaleRevision,
		CodeInternal:           ErrInternal,
	}
	for code, sentinel := range sentinels {
		err := fmt.Errorf("wrapped: %w", New(code, "op", errors.New("boom")))
		if !errors.Is(err, sentinel) {
			t.Errorf("%s error does not match its sentinel", code)
		}
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		retryable  bool
		fatal      bool
		itemScoped bool
	}{
		{"nil", nil, false, false, false},
		{"transient item", Item(CodeTransient, "fetch", "task", "1", errors.New("timeout")), true, false, true},
		{"rate limited", &Error{Code: CodeRateLimited, Type: "task", ItemID: "1"}, true, false, true},
		{"config", Config("remote.url is required"), false, true, false},
		{"remote down", New(CodeRemoteUnavailable, "list", errors.New("dial tcp")), false, true, false},
		{"integrity", Item(CodeIntegrity, "cache.load", "story", "9", nil), false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
			if got := IsItemScoped(tt.err); got != tt.itemScoped {
				t.Errorf("IsItemScoped = %v, want %v", got, tt.itemScoped)
			}
		})
	}
}

func TestErrorMessageAndRetryAfter(t *testing.T) {
	err := &Error{Code: CodeRateLimited, Op: "fetch", Type: "feature", ItemID: "3", RetryAfter: 2 * time.Second, Err: errors.New("429")}
	if got, want := err.Error(), "fetch: feature/3: rate limited: 429"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got := RetryAfterOf(fmt.Errorf("wrap: %w", err)); got != 2*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
}
