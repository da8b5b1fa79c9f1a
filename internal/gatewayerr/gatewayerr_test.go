package gatewayerr

import (
	"errors"
	"testing"
)

func TestRecoverable(t *testing.T) {
	cases := map[Code]bool{
		ConfigurationError:  false,
		StreamingError:      false,
		ValidationError:     true,
		ASRProviderError:    true,
		AtCapacity:          true,
	}
	for code, want := range cases {
		if got := code.Recoverable(); got != want {
			t.Errorf("%s.Recoverable() = %v, want %v", code, got, want)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(ASRProviderError, "provider failed", cause)
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find wrapped cause")
	}
}

func TestCodeOf(t *testing.T) {
	err := New(VADError, "bad frame")
	if CodeOf(err) != VADError {
		t.Errorf("CodeOf = %v, want VAD_ERROR", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != InternalError {
		t.Error("expected plain errors to classify as INTERNAL_ERROR")
	}
}
