package store

import (
	"encoding/json"
	"fmt"
)

// The price list, plan and demand payloads are persisted as JSON documents.
// Decoding happens here, at the storage boundary, so business logic only
// ever sees typed slices. A corrupt payload decodes to an empty list: the
// round must not be lost to one team's bad row (the caller logs the defect).

func EncodePriceLines(lines []PriceLine) ([]byte, error) {
	if lines == nil {
		lines = []PriceLine{}
	}
	return json.Marshal(lines)
}

func DecodePriceLines(raw []byte) ([]PriceLine, error) {
	if len(raw) == 0 {
		return []PriceLine{}, nil
	}
	var lines []PriceLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return []PriceLine{}, fmt.Errorf("corrupt price payload: %w", err)
	}
	return lines, nil
}

func EncodePlanLines(lines []PlanLine) ([]byte, error) {
	if lines == nil {
		lines = []PlanLine{}
	}
	return json.Marshal(lines)
}

func DecodePlanLines(raw []byte) ([]PlanLine, error) {
	if len(raw) == 0 {
		return []PlanLine{}, nil
	}
	var lines []PlanLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return []PlanLine{}, fmt.Errorf("corrupt plan payload: %w", err)
	}
	return lines, nil
}

func EncodeDemandLines(lines []DemandLine) ([]byte, error) {
	if lines == nil {
		lines = []DemandLine{}
	}
	return json.Marshal(lines)
}

func DecodeDemandLines(raw []byte) ([]DemandLine, error) {
	if len(raw) == 0 {
		return []DemandLine{}, nil
	}
	var lines []DemandLine
	if err := json.Unmarshal(raw, &lines); err != nil {
		return []DemandLine{}, fmt.Errorf("corrupt demand payload: %w", err)
	}
	return lines, nil
}

func EncodeRequired(required map[string]float64) ([]byte, error) {
	if required == nil {
		required = map[string]float64{}
	}
	return json.Marshal(required)
}

func DecodeRequired(raw []byte) (map[string]float64, error) {
	if len(raw) == 0 {
		return map[string]float64{}, nil
	}
	var required map[string]float64
	if err := json.Unmarshal(raw, &required); err != nil {
		return map[string]float64{}, fmt.Errorf("corrupt resource snapshot: %w", err)
	}
	return required, nil
}
