// Package gateway authenticates websocket upgrades and manages long-lived
// bidirectional channels partitioned per tenant and per topic.
package gateway

import "fmt"

// DefaultBoard is the scheduler board used when the client names none.
const DefaultBoard = "default"

// Topic addresses a realtime channel. Tenant and name together are the sole
// addressing key; there is no cross-tenant topic.
type Topic struct {
	Tenant string
	Name   string
}

// DashboardTopic returns the tenant-wide dashboard channel.
func DashboardTopic(tenantID string) Topic {
	return Topic{Tenant: tenantID, Name: "dashboard"}
}

// SchedulerTopic returns the scheduler channel for a board within a tenant.
func SchedulerTopic(tenantID, board string) Topic {
	if board == "" {
		board = DefaultBoard
	}
	return Topic{Tenant: tenantID, Name: "scheduler:" + board}
}

// Kind is the channel family ("dashboard" or "scheduler"), used as the
// metrics label so cardinality stays bounded.
func (t Topic) Kind() string {
	for i := 0; i < len(t.Name); i++ {
		if t.Name[i] == ':' {
			return t.Name[:i]
		}
	}
	return t.Name
}

// Board returns the scheduler board suffix, or "" for other channel kinds.
func (t Topic) Board() string {
	for i := 0; i < len(t.Name); i++ {
		if t.Name[i] == ':' {
			return t.Name[i+1:]
		}
	}
	return ""
}

func (t Topic) String() string {
	return fmt.Sprintf("%s:%s", t.Name, t.Tenant)
}
