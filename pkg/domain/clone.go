package domain

// Deep-copy helpers used by store adapters to keep reads and writes isolated
// from caller mutation.

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneHistory(h []HistoryEntry) []HistoryEntry {
	if h == nil {
		return nil
	}
	out := make([]HistoryEntry, len(h))
	copy(out, h)
	return out
}

// Clone returns a deep copy of the operation.
func (o *Operation) Clone() *Operation {
	cp := *o
	cp.Input.Params = cloneMap(o.Input.Params)
	cp.Output.ContentIDs = cloneStrings(o.Output.ContentIDs)
	cp.Metadata.Approval.PendingItemIDs = cloneStrings(o.Metadata.Approval.PendingItemIDs)
	cp.Metadata.Extra = cloneMap(o.Metadata.Extra)
	cp.History = cloneHistory(o.History)
	return &cp
}

// Clone returns a deep copy of the item.
func (i *Item) Clone() *Item {
	cp := *i
	cp.Params.Extra = cloneMap(i.Params.Extra)
	cp.Result = cloneMap(i.Result)
	cp.Metadata = cloneMap(i.Metadata)
	cp.History = cloneHistory(i.History)
	return &cp
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	cp := *s
	cp.PendingItemIDs = cloneStrings(s.PendingItemIDs)
	cp.ApprovedItemIDs = cloneStrings(s.ApprovedItemIDs)
	cp.RejectedItemIDs = cloneStrings(s.RejectedItemIDs)
	cp.History = cloneHistory(s.History)
	return &cp
}
