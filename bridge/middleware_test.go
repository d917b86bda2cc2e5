package bridge

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogMiddlewareUsesBridgePrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})

	handler := logMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/queue/play", nil))

	out := buf.String()
	if !strings.Contains(out, `msg="BRIDGE: http request"`) {
		t.Fatalf("log line missing uppercase prefix: %q", out)
	}
	if !strings.Contains(out, "status=418") || !strings.Contains(out, "path=/api/queue/play") {
		t.Fatalf("log line missing request fields: %q", out)
	}
}
