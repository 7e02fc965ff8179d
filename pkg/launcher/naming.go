package launcher

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

const maxNameLength = 63

// SanitizeWorkloadName flattens an arbitrary workload id into a name
// docker and the filesystem both accept: lowercase alphanumerics with
// single dashes between runs of anything else.
func SanitizeWorkloadName(raw string) string {
	var b strings.Builder
	dash := true
	for _, r := range strings.ToLower(raw) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > maxNameLength {
		name = strings.Trim(name[:maxNameLength], "-")
	}
	if name == "" {
		return "workload"
	}
	return name
}

// WorkloadTag is the sanitized name plus a short digest of the raw
// id, so distinct ids that sanitize identically never collide.
func WorkloadTag(workloadID string) string {
	sum := md5.Sum([]byte(workloadID))
	return fmt.Sprintf("%s-%s", SanitizeWorkloadName(workloadID), hex.EncodeToString(sum[:])[:6])
}

func ContainerName(workloadID string, deviceIndex int) string {
	return fmt.Sprintf("fleetgpu-%s-gpu%d", WorkloadTag(workloadID), deviceIndex)
}

// FreePort scans upward from base for a port the host will let us
// bind. The port is released again before returning, so a racing
// neighbor can still steal it; docker will fail the start loudly in
// that case and the claim rolls back.
func FreePort(base int) (int, error) {
	for port := base; port < base+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		if err := ln.Close(); err != nil {
			return 0, fmt.Errorf("closing port probe: %w", err)
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", base, base+999)
}
