package ot

import (
	"errors"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/devrev/waveletd/internal/model"
)

// ErrConflict is returned when two concurrent operations cannot be reconciled
var ErrConflict = errors.New("transform conflict")

// Transformer rewrites client operations so they apply after concurrent
// server operations that were applied first
type Transformer interface {
	Transform(clientOps, serverOps []model.WaveletOperation) ([]model.WaveletOperation, error)
}

// TransformerFunc adapts a function to the Transformer interface
type TransformerFunc func(clientOps, serverOps []model.WaveletOperation) ([]model.WaveletOperation, error)

// Transform calls f
func (f TransformerFunc) Transform(clientOps, serverOps []model.WaveletOperation) ([]model.WaveletOperation, error) {
	return f(clientOps, serverOps)
}

// Reference transforms the operation set understood by model.Snapshot
type Reference struct{}

// NewReference creates the reference transformer
func NewReference() *Reference {
	return &Reference{}
}

// Transform implements Transformer
func (r *Reference) Transform(clientOps, serverOps []model.WaveletOperation) ([]model.WaveletOperation, error) {
	c, _, err := TransformSeq(clientOps, serverOps)
	return c, err
}

// TransformSeq transforms two concurrent operation sequences against each
// other. The results satisfy apply(apply(x, client), server') ==
// apply(apply(x, server), client'). Server operations win position ties.
func TransformSeq(client, server []model.WaveletOperation) (clientPrime, serverPrime []model.WaveletOperation, err error) {
	if len(client) == 0 || len(server) == 0 {
		return client, server, nil
	}

	if len(client) == 1 && len(server) == 1 {
		return Transform(client[0], server[0])
	}

	if len(client) > 1 {
		c1, s1, err := TransformSeq(client[:1], server)
		if err != nil {
			return nil, nil, err
		}
		c2, s2, err := TransformSeq(client[1:], s1)
		if err != nil {
			return nil, nil, err
		}
		return slices.Concat(c1, c2), s2, nil
	}

	c1, s1, err := TransformSeq(client, server[:1])
	if err != nil {
		return nil, nil, err
	}
	c2, s2, err := TransformSeq(c1, server[1:])
	if err != nil {
		return nil, nil, err
	}
	return c2, slices.Concat(s1, s2), nil
}

// Transform transforms a single pair of concurrent operations
func Transform(c, s model.WaveletOperation) (clientPrime, serverPrime []model.WaveletOperation, err error) {
	if isParticipantOp(c) && isParticipantOp(s) {
		return transformParticipants(c, s)
	}
	if isBlipOp(c) && isBlipOp(s) && c.BlipID == s.BlipID {
		return transformBlip(c, s)
	}
	return one(c), one(s), nil
}

func transformParticipants(c, s model.WaveletOperation) ([]model.WaveletOperation, []model.WaveletOperation, error) {
	if c.Participant != s.Participant {
		return one(c), one(s), nil
	}
	if c.Type == s.Type {
		return one(noOp()), one(noOp()), nil
	}
	return nil, nil, fmt.Errorf("%w: concurrent %s and %s of %s", ErrConflict, c.Type, s.Type, c.Participant)
}

func transformBlip(c, s model.WaveletOperation) ([]model.WaveletOperation, []model.WaveletOperation, error) {
	switch {
	case c.Type == model.OpBlipInsert && s.Type == model.OpBlipInsert:
		cl, sl := textLen(c), textLen(s)
		if s.Position <= c.Position {
			return one(withPos(c, c.Position+sl)), one(s), nil
		}
		return one(c), one(withPos(s, s.Position+cl)), nil

	case c.Type == model.OpBlipInsert && s.Type == model.OpBlipDelete:
		cp, sp := insertAgainstDelete(c, s)
		return cp, sp, nil

	case c.Type == model.OpBlipDelete && s.Type == model.OpBlipInsert:
		sp, cp := insertAgainstDelete(s, c)
		return cp, sp, nil

	default:
		cp := deleteAgainstDelete(c, s)
		sp := deleteAgainstDelete(s, c)
		return one(cp), one(sp), nil
	}
}

// insertAgainstDelete transforms an insert ins against a concurrent delete del,
// returning the rewritten insert and the rewritten delete. An insert strictly
// inside the deleted range survives at the start of the range and splits the
// delete in two.
func insertAgainstDelete(ins, del model.WaveletOperation) ([]model.WaveletOperation, []model.WaveletOperation) {
	l := textLen(ins)
	end := del.Position + del.Count
	switch {
	case ins.Position <= del.Position:
		return one(ins), one(withPos(del, del.Position+l))
	case ins.Position >= end:
		return one(withPos(ins, ins.Position-del.Count)), one(del)
	default:
		before := model.WaveletOperation{
			Type:     model.OpBlipDelete,
			BlipID:   del.BlipID,
			Position: del.Position,
			Count:    ins.Position - del.Position,
		}
		after := model.WaveletOperation{
			Type:     model.OpBlipDelete,
			BlipID:   del.BlipID,
			Position: del.Position + l,
			Count:    end - ins.Position,
		}
		return one(withPos(ins, del.Position)), []model.WaveletOperation{before, after}
	}
}

// deleteAgainstDelete removes the part of a already deleted by b
func deleteAgainstDelete(a, b model.WaveletOperation) model.WaveletOperation {
	start := mapThroughDelete(a.Position, b)
	end := mapThroughDelete(a.Position+a.Count, b)
	if end <= start {
		return noOp()
	}
	out := a
	out.Position = start
	out.Count = end - start
	return out
}

func mapThroughDelete(pos int, del model.WaveletOperation) int {
	switch {
	case pos <= del.Position:
		return pos
	case pos >= del.Position+del.Count:
		return pos - del.Count
	default:
		return del.Position
	}
}

func isParticipantOp(op model.WaveletOperation) bool {
	return op.Type == model.OpAddParticipant || op.Type == model.OpRemoveParticipant
}

func isBlipOp(op model.WaveletOperation) bool {
	return op.Type == model.OpBlipInsert || op.Type == model.OpBlipDelete
}

func textLen(op model.WaveletOperation) int {
	return utf8.RuneCountInString(op.Text)
}

func withPos(op model.WaveletOperation, pos int) model.WaveletOperation {
	op.Position = pos
	return op
}

func noOp() model.WaveletOperation {
	return model.WaveletOperation{Type: model.OpNoOp}
}

func one(op model.WaveletOperation) []model.WaveletOperation {
	return []model.WaveletOperation{op}
}
