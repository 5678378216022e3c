package pattern

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
)

// ComputeChecksum computes the canonical content checksum of a pattern.
// Uses JSON with sorted keys and trimmed content; timestamps and project are excluded.
func ComputeChecksum(t PatternType, content string, fields map[string]interface{}) string {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	canonical := map[string]interface{}{
		"content": strings.TrimSpace(content),
		"fields":  fields,
		"type":    string(t),
	}

	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		// Fields that cannot be encoded still get a stable, distinguishable checksum.
		jsonBytes = []byte(fmt.Sprintf("unencodable:%s:%s:%v", t, strings.TrimSpace(content), err))
	}

	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("%x", hash)
}

// Recompute returns the checksum of the pattern's current content.
func (p *Pattern) Recompute() string {
	return ComputeChecksum(p.Type, p.Content, p.Fields)
}

// Intact reports whether the stored checksum matches the content.
func (p *Pattern) Intact() bool {
	return p.Checksum != "" && p.Checksum == p.Recompute()
}

// ShapeScore returns the fraction of required fields that are present and non-empty.
func ShapeScore(t PatternType, fields map[string]interface{}) float64 {
	required := t.RequiredFields()
	if len(required) == 0 {
		return 0
	}
	present := 0
	for _, name := range required {
		v, ok := fields[name]
		if !ok || v == nil {
			continue
		}
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) == "" {
				continue
			}
		case []interface{}:
			if len(val) == 0 {
				continue
			}
		}
		present++
	}
	return float64(present) / float64(len(required))
}
