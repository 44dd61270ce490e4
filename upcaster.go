package sourced

// Upcaster is a pure payload transform from FromVersion to ToVersion for a
// given event name. Aggregates expose a fixed ordered table of upcasters;
// the chain runs at read time, before hydrate.
type Upcaster struct {
	Event       string
	FromVersion uint32
	ToVersion   uint32
	Transform   func(payload []byte) ([]byte, error)
}

// UpcastAll transforms every record to the highest version registered for
// its event name. Records with no registered upcasters pass through
// untouched, and with an empty table the input slice is returned as-is.
//
// A record below its target version with no matching step fails with a
// SchemaGapError.
func UpcastAll(records []*EventRecord, upcasters []Upcaster) ([]*EventRecord, error) {
	if len(upcasters) == 0 {
		return records, nil
	}

	targets := make(map[string]uint32, len(upcasters))
	for _, u := range upcasters {
		if u.ToVersion > targets[u.Event] {
			targets[u.Event] = u.ToVersion
		}
	}

	out := make([]*EventRecord, len(records))
	for i, rec := range records {
		target, ok := targets[rec.Name]
		if !ok || rec.Version >= target {
			out[i] = rec
			continue
		}

		up := rec.Clone()
		for up.Version < target {
			step := findStep(upcasters, up.Name, up.Version)
			if step == nil {
				return nil, &SchemaGapError{Event: up.Name, From: up.Version, To: target}
			}
			payload, err := step.Transform(up.Payload)
			if err != nil {
				return nil, err
			}
			up.Payload = payload
			up.Version = step.ToVersion
		}
		out[i] = up
	}

	return out, nil
}

func findStep(upcasters []Upcaster, event string, from uint32) *Upcaster {
	for i := range upcasters {
		u := &upcasters[i]
		if u.Event == event && u.FromVersion == from {
			return u
		}
	}
	return nil
}
