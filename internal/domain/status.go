package domain

import (
	"fmt"
	"net/http"
)

// Status はレスポンスのステータスコードと理由句を表す.
// Codeが0のものは未設定を意味する.
type Status struct {
	Code   int
	Reason string
}

// よく使うステータス
var (
	StatusOK                  = NewStatus(http.StatusOK)
	StatusNoContent           = NewStatus(http.StatusNoContent)
	StatusBadRequest          = NewStatus(http.StatusBadRequest)
	StatusForbidden           = NewStatus(http.StatusForbidden)
	StatusNotFound            = NewStatus(http.StatusNotFound)
	StatusMethodNotAllowed    = NewStatus(http.StatusMethodNotAllowed)
	StatusInternalServerError = NewStatus(http.StatusInternalServerError)
	StatusNotImplemented      = NewStatus(http.StatusNotImplemented)
	StatusBadGateway          = NewStatus(http.StatusBadGateway)
	StatusServiceUnavailable  = NewStatus(http.StatusServiceUnavailable)
)

// NewStatus は標準の理由句を持つStatusを作成.
func NewStatus(code int) Status {
	return Status{Code: code, Reason: ReasonPhrase(code)}
}

// ReasonPhrase はコードに対応する標準の理由句を返す.
func ReasonPhrase(code int) string {
	if text := http.StatusText(code); text != "" {
		return text
	}
	switch {
	case code >= 100 && code < 200:
		return "Informational"
	case code >= 200 && code < 300:
		return "Success"
	case code >= 300 && code < 400:
		return "Redirection"
	case code >= 400 && code < 500:
		return "Client Error"
	case code >= 500 && code < 600:
		return "Server Error"
	}
	return "Unknown"
}

// IsSet はステータスが設定済みか.
func (s Status) IsSet() bool { return s.Code != 0 }

// IsValid はステータス行に書けるコードか.
func (s Status) IsValid() bool { return s.Code >= 100 && s.Code < 600 }

// IsInformational は1xx帯か.
func (s Status) IsInformational() bool { return s.Code >= 100 && s.Code < 200 }

// IsSuccess は2xx帯か.
func (s Status) IsSuccess() bool { return s.Code >= 200 && s.Code < 300 }

// IsRedirection は3xx帯か.
func (s Status) IsRedirection() bool { return s.Code >= 300 && s.Code < 400 }

// IsClientError は4xx帯か.
func (s Status) IsClientError() bool { return s.Code >= 400 && s.Code < 500 }

// IsServerError は5xx帯か.
func (s Status) IsServerError() bool { return s.Code >= 500 && s.Code < 600 }

// IsError はクライアントエラーまたはサーバーエラーか.
func (s Status) IsError() bool { return s.IsClientError() || s.IsServerError() }

// HasBody はこのステータスのレスポンスがエンティティを持てるか.
func (s Status) HasBody() bool {
	return !s.IsInformational() && s.Code != http.StatusNoContent && s.Code != http.StatusNotModified
}

func (s Status) String() string {
	reason := s.Reason
	if reason == "" {
		reason = ReasonPhrase(s.Code)
	}
	return fmt.Sprintf("%d %s", s.Code, reason)
}
