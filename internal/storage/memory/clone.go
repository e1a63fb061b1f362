package memory

import (
	"time"

	"github.com/HBlackfoxx/luxury-supply-chain-sub000/internal/core"
)

// Deep copy helpers. The store hands out copies so callers can never
// mutate committed state in place.

func cloneTransaction(tx *core.Transaction) *core.Transaction {
	cp := *tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.SenderConfirmedAt = cloneTime(tx.SenderConfirmedAt)
	cp.ReceiverConfirmedAt = cloneTime(tx.ReceiverConfirmedAt)
	cp.TerminalAt = cloneTime(tx.TerminalAt)
	cp.FrozenAt = cloneTime(tx.FrozenAt)
	cp.SenderEvidence = cloneEvidence(tx.SenderEvidence)
	cp.ReceiverEvidence = cloneEvidence(tx.ReceiverEvidence)
	return &cp
}

func cloneDispute(d *core.Dispute) *core.Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]core.EvidenceEntry, len(d.Evidence))
		for i, e := range d.Evidence {
			ec := e
			ec.FileRefs = append([]string(nil), e.FileRefs...)
			cp.Evidence[i] = ec
		}
	}
	if d.Resolution != nil {
		rc := *d.Resolution
		cp.Resolution = &rc
	}
	return &cp
}

func cloneTrust(t *core.ParticipantTrust) *core.ParticipantTrust {
	cp := *t
	cp.History = append([]core.ScoreDelta(nil), t.History...)
	return &cp
}

func cloneStop(s *core.EmergencyStop) *core.EmergencyStop {
	cp := *s
	cp.Transactions = append([]string(nil), s.Transactions...)
	cp.ResumedAt = cloneTime(s.ResumedAt)
	return &cp
}

func cloneCompensation(c *core.Compensation) *core.Compensation {
	cp := *c
	return &cp
}

func cloneEvidence(e *core.Evidence) *core.Evidence {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Attachments = append([]string(nil), e.Attachments...)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
