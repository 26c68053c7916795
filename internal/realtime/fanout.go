package realtime

import "wbot/internal/session"

// Fanout forwards session events to several publishers.
type Fanout []session.Publisher

func (f Fanout) PublishStatus(tenantID string, status session.Status) {
	for _, p := range f {
		p.PublishStatus(tenantID, status)
	}
}

func (f Fanout) PublishQR(tenantID, code, image string) {
	for _, p := range f {
		p.PublishQR(tenantID, code, image)
	}
}

func (f Fanout) PublishPairingCode(tenantID, code string) {
	for _, p := range f {
		p.PublishPairingCode(tenantID, code)
	}
}
