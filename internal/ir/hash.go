package ir

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainTimer = "connentity/timer/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TimerID computes the content-addressed ID of a timer.
//
// The ID covers the target, the operation, its args, the absolute fire
// time, and the snapshot version whose commit created it. Recomputing the
// same transition after a failed commit therefore yields the same ID, and two
// timers created by different commits never collide.
func TimerID(t ScheduledTimer) string {
	var buf bytes.Buffer
	buf.WriteString(`{"args":`)
	buf.Write(MarshalCanonical(t.Args))
	buf.WriteString(`,"created_by_key":`)
	writeCanonicalString(&buf, string(t.CreatedByKey))
	buf.WriteString(`,"created_by_version":`)
	buf.WriteString(strconv.FormatInt(t.CreatedByVersion, 10))
	buf.WriteString(`,"entity_key":`)
	writeCanonicalString(&buf, string(t.Key))
	buf.WriteString(`,"fire_at":`)
	writeCanonicalString(&buf, t.FireAt.UTC().Format(time.RFC3339Nano))
	buf.WriteString(`,"operation":`)
	writeCanonicalString(&buf, string(t.Operation))
	buf.WriteByte('}')
	return hashWithDomain(DomainTimer, buf.Bytes())
}
