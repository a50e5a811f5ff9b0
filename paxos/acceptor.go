package paxos

import (
	"sync"

	"go.uber.org/zap"
)

type Acceptor interface {
	Prepare(req PrepareRequest) PrepareResponse
	Accept(req AcceptRequest) AcceptResponse

	// GetState for testing only
	GetState(round Round) AcceptorState
}

type acceptorImpl struct {
	logger *zap.Logger

	mut   sync.Mutex
	slots map[Round]*acceptorSlot
}

// acceptorSlot is the state of a single round, rounds never block each other
type acceptorSlot struct {
	mut   sync.Mutex
	state AcceptorState
}

func NewAcceptor(logger *zap.Logger) Acceptor {
	return &acceptorImpl{
		logger: logger,
		slots:  map[Round]*acceptorSlot{},
	}
}

func (a *acceptorImpl) getSlot(round Round) *acceptorSlot {
	a.mut.Lock()
	defer a.mut.Unlock()

	slot, ok := a.slots[round]
	if !ok {
		slot = &acceptorSlot{}
		a.slots[round] = slot
	}
	return slot
}

func (a *acceptorImpl) Prepare(req PrepareRequest) PrepareResponse {
	slot := a.getSlot(req.Round)

	slot.mut.Lock()
	defer slot.mut.Unlock()

	if req.ProposalNumber <= slot.state.ReadTimestamp {
		a.logger.Debug("reject prepare",
			zap.Uint64("round", uint64(req.Round)),
			zap.Uint64("proposal", uint64(req.ProposalNumber)),
			zap.Uint64("promised", uint64(slot.state.ReadTimestamp)),
		)
		return PrepareResponse{
			Promise:         false,
			HighestPromised: slot.state.ReadTimestamp,
		}
	}

	slot.state.ReadTimestamp = req.ProposalNumber

	resp := PrepareResponse{
		Promise:         true,
		HighestPromised: req.ProposalNumber,
	}
	if slot.state.HasValue() {
		resp.HasValue = true
		resp.WriteTimestamp = slot.state.WriteTimestamp
		resp.Value = slot.state.Value.Clone()
	}
	return resp
}

func (a *acceptorImpl) Accept(req AcceptRequest) AcceptResponse {
	slot := a.getSlot(req.Round)

	slot.mut.Lock()
	defer slot.mut.Unlock()

	if req.ProposalNumber == 0 || req.ProposalNumber != slot.state.ReadTimestamp {
		a.logger.Debug("reject accept",
			zap.Uint64("round", uint64(req.Round)),
			zap.Uint64("proposal", uint64(req.ProposalNumber)),
			zap.Uint64("promised", uint64(slot.state.ReadTimestamp)),
		)
		return AcceptResponse{
			Accepted:        false,
			HighestPromised: slot.state.ReadTimestamp,
		}
	}

	if slot.state.WriteTimestamp == req.ProposalNumber {
		// a proposer sends a single value per proposal number
		AssertTrue(slot.state.Value.Equal(req.Value))
	}

	slot.state.WriteTimestamp = req.ProposalNumber
	slot.state.Value = req.Value.Clone()

	return AcceptResponse{
		Accepted:        true,
		HighestPromised: slot.state.ReadTimestamp,
	}
}

func (a *acceptorImpl) GetState(round Round) AcceptorState {
	slot := a.getSlot(round)

	slot.mut.Lock()
	defer slot.mut.Unlock()

	state := slot.state
	if state.HasValue() {
		state.Value = state.Value.Clone()
	}
	return state
}
