package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gluk-w/termhub/internal/audit"
	"github.com/gluk-w/termhub/internal/config"
	"github.com/gluk-w/termhub/internal/crypto"
)

// purgeAuditLogs drops audit entries past the retention period. Scheduled
// daily.
func purgeAuditLogs(a *audit.Auditor) int64 {
	if a == nil {
		return 0
	}
	n, err := a.PurgeOlderThan(0)
	if err != nil {
		log.Printf("[jobs] audit purge failed: %v", err)
		return 0
	}
	return n
}

// decryptRecording writes the asciicast held in an encrypted recording file.
func decryptRecording(path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sealer, err := crypto.LoadSealer(config.Cfg.RecordingKey)
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}
	plain, err := sealer.Decrypt(data)
	if err != nil {
		return err
	}
	_, err = w.Write(plain)
	return err
}
