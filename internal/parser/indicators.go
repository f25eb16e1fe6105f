package parser

import (
	"bytes"
	"regexp"
	"strconv"

	"github.com/ocdev21/l1sentry/internal/models"
)

// Diagnostic message ID ranges map to L1 protocol categories. IDs follow the
// Qualcomm DIAG numbering: 0xB0xx covers RRC and signaling, 0xB1xx the
// physical layer.
var (
	rachMessageIDs = map[uint16]bool{
		0xB063: true, // MAC RACH attempt
		0xB064: true, // MAC RACH response
		0xB0C5: true, // RRC connection request
		0xB132: true, // PRACH config
	}
	handoverMessageIDs = map[uint16]bool{
		0xB0C6: true, // RRC connection reconfiguration
		0xB0C7: true, // RRC connection reconfiguration complete
		0xB0D0: true, // Handover command
		0xB0D1: true, // Handover complete
		0xB0D2: true, // Handover failure
	}
	rrcMessageIDs = map[uint16]bool{
		0xB097: true, // RRC MIB
		0xB0A0: true, 0xB0A1: true, // RRC system information
		0xB0C0: true, 0xB0C1: true, 0xB0C2: true, // RRC OTA
		0xB0E0: true, 0xB0E1: true, 0xB0E2: true, // RRC setup/release
	}
	harqMessageIDs = map[uint16]bool{
		0xB060: true, 0xB061: true, // MAC DL/UL (carry HARQ info)
		0xB139: true, // HARQ DL
		0xB13A: true, // HARQ UL
	}
	powerControlMessageIDs = map[uint16]bool{
		0xB140: true, 0xB141: true, // TPC commands
		0xB142: true, // Power headroom report
		0xB143: true, // UL power control
	}
	timingAdvanceMessageIDs = map[uint16]bool{
		0xB150: true, // Timing advance command
		0xB151: true, // TA adjustment
	}
)

var messageDescriptions = map[uint16]string{
	0xB0C0: "LTE RRC OTA Message",
	0xB0C5: "RRC Connection Request",
	0xB0C6: "RRC Connection Reconfiguration",
	0xB0D0: "Handover Command",
	0xB0D1: "Handover Complete",
	0xB0D2: "Handover Failure",
	0xB063: "MAC RACH Attempt",
	0xB064: "MAC RACH Response",
	0xB139: "HARQ DL",
	0xB13A: "HARQ UL",
	0xB140: "TPC Command",
	0xB150: "Timing Advance Command",
}

// Payload keyword patterns per category, matched case-insensitively.
var (
	rachPatterns     = [][]byte{[]byte("rach"), []byte("prach"), []byte("preamble"), []byte("random access")}
	handoverPatterns = [][]byte{[]byte("handover"), []byte("ho_"), []byte("mobility"), []byte("reconfiguration")}
	harqPatterns     = [][]byte{[]byte("harq"), []byte("retx"), []byte("nack")}
	crcPatterns      = [][]byte{[]byte("crc"), []byte("checksum"), []byte("fcs")}
	rrcPatterns      = [][]byte{[]byte("rrc"), []byte("connection setup"), []byte("connection release")}
	taPatterns       = [][]byte{[]byte("timing advance"), []byte("timingadvance"), []byte("ta adjustment")}
	powerPatterns    = [][]byte{[]byte("tpc"), []byte("powercontrol"), []byte("power control"), []byte("power headroom")}

	failurePatterns = [][]byte{[]byte("fail"), []byte("reject"), []byte("timeout"), []byte("abort"), []byte("deny"), []byte("violation")}
	errorPatterns   = [][]byte{[]byte("error"), []byte("invalid"), []byte("corrupt")}
	retxPatterns    = [][]byte{[]byte("retx"), []byte("nack"), []byte("retransmission")}
)

// powerDeltaPattern captures an explicit TPC adjustment like "tpc +6 dB".
var powerDeltaPattern = regexp.MustCompile(`(?:tpc|power)[^0-9+\-]{0,12}([+-]?\d+(?:\.\d+)?)\s*db`)

// MessageIDCategory returns the primary category for a diagnostic message ID.
func MessageIDCategory(id uint16) models.Category {
	switch {
	case rachMessageIDs[id]:
		return models.CategoryRACH
	case handoverMessageIDs[id]:
		return models.CategoryHandover
	case harqMessageIDs[id]:
		return models.CategoryHARQ
	case powerControlMessageIDs[id]:
		return models.CategoryPowerControl
	case timingAdvanceMessageIDs[id]:
		return models.CategoryTimingAdvance
	case rrcMessageIDs[id]:
		return models.CategoryRRC
	default:
		return models.CategoryUnknown
	}
}

// MessageDescription returns a human-readable name for a message ID.
func MessageDescription(id uint16) string {
	if d, ok := messageDescriptions[id]; ok {
		return d
	}
	return "Diagnostic Message"
}

// ExtractIndicators scans a payload for L1 protocol indicators. When a
// diagnostic message ID is available it provides the primary classification
// and keywords add secondary context; otherwise keywords are the only signal.
func ExtractIndicators(payload []byte, messageID uint16, maxScan int) models.L1Indicators {
	ind := models.L1Indicators{}

	if messageID != 0 {
		ind.HasRACH = rachMessageIDs[messageID]
		ind.HasHandover = handoverMessageIDs[messageID]
		ind.HasRRC = rrcMessageIDs[messageID]
		ind.HasHARQ = harqMessageIDs[messageID]
		ind.HasPowerControl = powerControlMessageIDs[messageID]
		ind.HasTimingAdvance = timingAdvanceMessageIDs[messageID]
	}

	if len(payload) == 0 {
		return ind
	}
	if maxScan > 0 && len(payload) > maxScan {
		payload = payload[:maxScan]
	}
	lower := bytes.ToLower(payload)

	ind.HasRACH = ind.HasRACH || matchAny(lower, rachPatterns)
	ind.HasHandover = ind.HasHandover || matchAny(lower, handoverPatterns)
	ind.HasHARQ = ind.HasHARQ || matchAny(lower, harqPatterns)
	ind.HasCRC = ind.HasCRC || matchAny(lower, crcPatterns)
	ind.HasRRC = ind.HasRRC || matchAny(lower, rrcPatterns)
	ind.HasTimingAdvance = ind.HasTimingAdvance || matchAny(lower, taPatterns)
	ind.HasPowerControl = ind.HasPowerControl || matchAny(lower, powerPatterns)
	ind.Retransmission = matchAny(lower, retxPatterns)

	if ind.HasPowerControl {
		if m := powerDeltaPattern.FindSubmatch(lower); m != nil {
			if v, err := strconv.ParseFloat(string(m[1]), 64); err == nil {
				ind.PowerDelta = v
				ind.HasPowerDelta = true
			}
		}
	}

	for _, p := range failurePatterns {
		if bytes.Contains(lower, p) {
			ind.FailureIndicators = append(ind.FailureIndicators, string(p))
		}
	}
	for _, p := range errorPatterns {
		if bytes.Contains(lower, p) {
			ind.ErrorIndicators = append(ind.ErrorIndicators, string(p))
		}
	}

	return ind
}

// HintFromIndicators picks the single most specific category for an event.
// Message-ID classification wins; among keyword hits the first match in
// category order is used.
func HintFromIndicators(ind models.L1Indicators, messageID uint16) models.Category {
	if messageID != 0 {
		if c := MessageIDCategory(messageID); c != models.CategoryUnknown {
			return c
		}
	}
	if cats := ind.Categories(); len(cats) > 0 {
		return cats[0]
	}
	return models.CategoryUnknown
}

func matchAny(lower []byte, patterns [][]byte) bool {
	for _, p := range patterns {
		if bytes.Contains(lower, p) {
			return true
		}
	}
	return false
}
