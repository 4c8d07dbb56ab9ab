package fieldsync

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"fieldsync/internal/model"
)

var (
	scanURLPattern  = regexp.MustCompile(`/(vehicles|kimper)/([A-Za-z0-9_-]+)/?$`)
	scanBarePattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)
)

// ParseScan turns decoded QR text into a ScanPayload. Accepted forms:
//
//	EQUIP:<equip no>
//	KIMPER:<name or numeric id>
//	<any url>/vehicles/<equip no or numeric id>
//	<any url>/kimper/<numeric id>
//	<EQUIP-NO>            (upper-case letters, digits, '-' and '_')
func ParseScan(text string) (model.ScanPayload, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return model.ScanPayload{}, fmt.Errorf("empty scan")
	}

	upper := strings.ToUpper(text)
	switch {
	case strings.HasPrefix(upper, "EQUIP:"):
		key := strings.TrimSpace(text[len("EQUIP:"):])
		if key == "" {
			return model.ScanPayload{}, fmt.Errorf("empty equipment number in %q", text)
		}
		return model.ScanPayload{Kind: model.RecordVehicle, Key: key}, nil
	case strings.HasPrefix(upper, "KIMPER:"):
		key := strings.TrimSpace(text[len("KIMPER:"):])
		if key == "" {
			return model.ScanPayload{}, fmt.Errorf("empty permit holder in %q", text)
		}
		if id, err := strconv.ParseInt(key, 10, 64); err == nil && id > 0 {
			return model.ScanPayload{Kind: model.RecordPermitHolder, ID: id}, nil
		}
		return model.ScanPayload{Kind: model.RecordPermitHolder, Key: key}, nil
	}

	if m := scanURLPattern.FindStringSubmatch(text); m != nil {
		kind := model.RecordVehicle
		if m[1] == "kimper" {
			kind = model.RecordPermitHolder
		}
		if id, err := strconv.ParseInt(m[2], 10, 64); err == nil && id > 0 {
			return model.ScanPayload{Kind: kind, ID: id}, nil
		}
		return model.ScanPayload{Kind: kind, Key: m[2]}, nil
	}

	if scanBarePattern.MatchString(text) {
		return model.ScanPayload{Kind: model.RecordVehicle, Key: text}, nil
	}

	return model.ScanPayload{}, fmt.Errorf("unrecognized scan %q", text)
}
