package signal

import "sync"

// SenderKeyMemory tracks, per group JID, which device JIDs have already
// received the group's current sender key, so a resend to an unchanged
// device set doesn't redistribute it (spec §3, §4.7, testable property
// #6).
type SenderKeyMemory struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewSenderKeyMemory returns empty sender-key memory.
func NewSenderKeyMemory() *SenderKeyMemory {
	return &SenderKeyMemory{seen: make(map[string]map[string]struct{})}
}

// HasReceived reports whether device already has the group's current
// sender key.
func (m *SenderKeyMemory) HasReceived(group, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	devices, ok := m.seen[group]
	if !ok {
		return false
	}
	_, ok = devices[device]
	return ok
}

// MarkReceived records that device now has the group's current sender
// key.
func (m *SenderKeyMemory) MarkReceived(group string, devices ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.seen[group]
	if !ok {
		set = make(map[string]struct{})
		m.seen[group] = set
	}
	for _, d := range devices {
		set[d] = struct{}{}
	}
}

// Pending returns the subset of devices that have NOT yet received the
// group's current sender key.
func (m *SenderKeyMemory) Pending(group string, devices []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.seen[group]
	var pending []string
	for _, d := range devices {
		if set != nil {
			if _, ok := set[d]; ok {
				continue
			}
		}
		pending = append(pending, d)
	}
	return pending
}

// Reset clears the recorded device set for group. Nothing in this module
// calls it, and the group sender key is never rotated.
func (m *SenderKeyMemory) Reset(group string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, group)
}
