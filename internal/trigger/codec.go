package trigger

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Rows written by other versions may carry fields this build does not know.
// Each persisted struct keeps them in extra and writes them back unchanged.

type (
	triggerAlias   Trigger
	thresholdAlias Threshold
	autoSwapAlias  AutoSwap
	dcaAlias       DCA
)

var (
	triggerFields   = jsonFields(reflect.TypeOf(triggerAlias{}))
	thresholdFields = jsonFields(reflect.TypeOf(thresholdAlias{}))
	autoSwapFields  = jsonFields(reflect.TypeOf(autoSwapAlias{}))
	dcaFields       = jsonFields(reflect.TypeOf(dcaAlias{}))
)

func jsonFields(typ reflect.Type) map[string]struct{} {
	fields := map[string]struct{}{}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		fields[name] = struct{}{}
	}
	return fields
}

func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return buf, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(buf, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

func decodeWithExtra(data []byte, v any, known map[string]struct{}) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for k := range raw {
		if _, ok := known[k]; ok {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func (t Trigger) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(triggerAlias(t), t.extra)
}

func (t *Trigger) UnmarshalJSON(data []byte) error {
	var alias triggerAlias
	extra, err := decodeWithExtra(data, &alias, triggerFields)
	if err != nil {
		return err
	}
	*t = Trigger(alias)
	t.extra = extra
	return nil
}

func (t Threshold) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(thresholdAlias(t), t.extra)
}

func (t *Threshold) UnmarshalJSON(data []byte) error {
	var alias thresholdAlias
	extra, err := decodeWithExtra(data, &alias, thresholdFields)
	if err != nil {
		return err
	}
	*t = Threshold(alias)
	t.extra = extra
	return nil
}

func (a AutoSwap) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(autoSwapAlias(a), a.extra)
}

func (a *AutoSwap) UnmarshalJSON(data []byte) error {
	var alias autoSwapAlias
	extra, err := decodeWithExtra(data, &alias, autoSwapFields)
	if err != nil {
		return err
	}
	*a = AutoSwap(alias)
	a.extra = extra
	return nil
}

func (d DCA) MarshalJSON() ([]byte, error) {
	return encodeWithExtra(dcaAlias(d), d.extra)
}

func (d *DCA) UnmarshalJSON(data []byte) error {
	var alias dcaAlias
	extra, err := decodeWithExtra(data, &alias, dcaFields)
	if err != nil {
		return err
	}
	*d = DCA(alias)
	d.extra = extra
	return nil
}
