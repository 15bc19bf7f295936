package telephony

import (
	"log/slog"

	"github.com/guardianvoice/gvbridge/internal/bridge"
)

// LogService is a CallService that records platform commands in the log
// and nothing else. The daemon runs with it when no host call UI is
// attached, so the bridge exercises the full presentation lifecycle
// headlessly.
type LogService struct {
	logger *slog.Logger
}

// NewLogService creates a log-only platform call service.
func NewLogService(logger *slog.Logger) *LogService {
	return &LogService{logger: logger.With("subsystem", "callservice")}
}

func (s *LogService) ShowIncoming(slotID, display, uri string) error {
	s.logger.Info("show incoming call", "slot_id", slotID, "display", display, "uri", uri)
	return nil
}

func (s *LogService) UpdateIdentity(slotID, display, uri string) error {
	s.logger.Info("update call identity", "slot_id", slotID, "display", display, "uri", uri)
	return nil
}

func (s *LogService) ReportConnected(slotID string) error {
	s.logger.Info("report call connected", "slot_id", slotID)
	return nil
}

func (s *LogService) End(slotID string, reason bridge.Reason) error {
	s.logger.Info("end call", "slot_id", slotID, "reason", reason)
	return nil
}

func (s *LogService) SetAudioRoute(slotID string, speaker bool) error {
	s.logger.Info("set audio route", "slot_id", slotID, "speaker", speaker)
	return nil
}
