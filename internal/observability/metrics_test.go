package observability

import (
	"testing"
	"time"

	"github.com/danmuck/roverlink/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("host-a", "GET", "/health", 200, 12*time.Millisecond)
	RecordDatagramRx("host-a", true)
	RecordDatagramRx("host-a", false)
	RecordDatagramTx("host-a")
	RecordSendFailure("host-a")
	RecordRecovery("host-a")
	SetExhaustedSessions("host-a", 1)
	SetLiveSessions("host-a", 2)
	ObserveSweep("host-a", 3*time.Millisecond)
}
