package ports

import (
	"time"

	"chatrelay/internal/core/domain"
)

// Metrics is the instrumentation surface used by the core services.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed(lifetime time.Duration)
	AuthFailed()
	EventReceived(eventType string)
	EventRejected(eventType, code string)
	Relayed(eventType string, delivered, dropped int)
	JoinRefused(kind domain.RoomKind)
	SetRooms(byKind map[domain.RoomKind]int)
	SetOnlineIdentities(n int)
	CallStarted(callType domain.CallType)
	CallEnded(callType domain.CallType, duration time.Duration, recorded bool)
	CallRecordWrite(err error)
	DirectoryLookup(err error, elapsed time.Duration)
}

type NopMetrics struct{}

func (NopMetrics) ConnectionOpened()                              {}
func (NopMetrics) ConnectionClosed(time.Duration)                 {}
func (NopMetrics) AuthFailed()                                    {}
func (NopMetrics) EventReceived(string)                           {}
func (NopMetrics) EventRejected(string, string)                   {}
func (NopMetrics) Relayed(string, int, int)                       {}
func (NopMetrics) JoinRefused(domain.RoomKind)                    {}
func (NopMetrics) SetRooms(map[domain.RoomKind]int)               {}
func (NopMetrics) SetOnlineIdentities(int)                        {}
func (NopMetrics) CallStarted(domain.CallType)                    {}
func (NopMetrics) CallEnded(domain.CallType, time.Duration, bool) {}
func (NopMetrics) CallRecordWrite(error)                          {}
func (NopMetrics) DirectoryLookup(error, time.Duration)           {}
