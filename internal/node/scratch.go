package node

import (
	"log/slog"

	"github.com/fedbtc/fedbtcd/internal/models"
)

// scratch is the initiator's transient gathering state: peer responses
// collected between iterations for the batch identified by batchIDs. It is
// owned by this node instance and never shared; a reply for a batch whose id
// list does not match is dropped, and retarget clears it when the batch changes.
type scratch struct {
	batchIDs     []string
	sendingSigs  []models.SignerSignature
	minedSigs    []models.SignerSignature
	bitcoinPsbts []string
}

// matches reports whether the scratch is tracking the given id list.
func (s *scratch) matches(ids []string) bool {
	if len(s.batchIDs) != len(ids) {
		return false
	}
	for i, id := range s.batchIDs {
		if id != ids[i] {
			return false
		}
	}
	return true
}

// retarget clears the scratch and points it at a new batch id list. When the
// list matches the tracked one, the gathered responses are kept.
func (s *scratch) retarget(ids []string) {
	if s.matches(ids) {
		return
	}
	if len(s.batchIDs) > 0 {
		slog.Debug("clearing gathered signatures for superseded batch")
	}
	*s = scratch{batchIDs: ids}
}

// addSending stores a sending signature if it belongs to the tracked batch.
// When nothing is tracked yet, the response's batch ids are adopted first;
// responses for any other batch are dropped. addMined and addBitcoinPsbt
// behave the same way.
func (s *scratch) addSending(ids []string, sig models.SignerSignature) {
	if !s.ensure(ids) {
		return
	}
	s.sendingSigs = append(s.sendingSigs, sig)
}

func (s *scratch) addMined(ids []string, sig models.SignerSignature) {
	if !s.ensure(ids) {
		return
	}
	s.minedSigs = append(s.minedSigs, sig)
}

func (s *scratch) addBitcoinPsbt(ids []string, psbt string) {
	if !s.ensure(ids) {
		return
	}
	s.bitcoinPsbts = append(s.bitcoinPsbts, psbt)
}

func (s *scratch) ensure(ids []string) bool {
	if len(s.batchIDs) == 0 {
		s.batchIDs = ids
		return true
	}
	if !s.matches(ids) {
		slog.Debug("dropping response for stale batch")
		return false
	}
	return true
}

// drain returns and clears the gathered responses.
func (s *scratch) drain() (sending, mined []models.SignerSignature, psbts []string) {
	sending, mined, psbts = s.sendingSigs, s.minedSigs, s.bitcoinPsbts
	s.sendingSigs, s.minedSigs, s.bitcoinPsbts = nil, nil, nil
	return sending, mined, psbts
}
