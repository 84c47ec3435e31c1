// Package infer implements the type inferencer: a monotone forward
// data-flow pass that assigns a conservative inferred type to every node
// and variable, joining across if-branches and block tails, and handling
// letrec by fixed-point iteration.
package infer

import (
	"j5.nz/adaptive/graph"
	"j5.nz/adaptive/lattice"
	"j5.nz/adaptive/primitive"
	"j5.nz/adaptive/rterror"
)

// maxLatticeRounds bounds the letrec fixpoint: the lattice has 4 points,
// so 4 rounds is always enough for a monotone join to stabilize.
const maxLatticeRounds = 4

// DirectReturns lets the inferencer ask whether a DirectFunction callee
// has a proven specialized return type, the one case where a call is
// typed as something other than Ref.
type DirectReturns interface {
	ProvenReturn(id int) (lattice.Type, bool)
}

type Inferencer struct {
	Returns DirectReturns // may be nil
}

func New(returns DirectReturns) *Inferencer {
	return &Inferencer{Returns: returns}
}

// InferFunction runs the forward pass over fn's body, mutating Inferred
// annotations on every node and VariableDefinition it owns.
func (inf *Inferencer) InferFunction(fn *graph.FunctionDef) error {
	for _, p := range fn.Params {
		if !p.Inferred.IsKnown() {
			p.Inferred = lattice.Unknown
		}
	}
	_, err := inf.infer(fn, fn.Body)
	return err
}

func (inf *Inferencer) infer(fn *graph.FunctionDef, n *graph.Node) (lattice.Type, error) {
	if n == nil {
		return lattice.Known(lattice.Void), nil
	}
	switch n.Kind {
	case graph.KConst:
		n.Inferred = constType(n.ConstValue)
		return n.Inferred, nil

	case graph.KGetVar:
		n.Inferred = n.Var.Inferred
		return n.Inferred, nil

	case graph.KSetVar:
		vt, err := inf.infer(fn, n.SetValue)
		if err != nil {
			return lattice.Unknown, err
		}
		n.Var.Inferred = lattice.Join(n.Var.Inferred, vt)
		n.Inferred = vt
		return n.Inferred, nil

	case graph.KLet:
		return inf.inferLet(fn, n)

	case graph.KIf:
		if _, err := inf.infer(fn, n.Cond); err != nil {
			return lattice.Unknown, err
		}
		thenT, err := inf.infer(fn, n.Then)
		if err != nil {
			return lattice.Unknown, err
		}
		elseT, err := inf.infer(fn, n.Else)
		if err != nil {
			return lattice.Unknown, err
		}
		n.Inferred = lattice.Join(thenT, elseT)
		return n.Inferred, nil

	case graph.KBlock:
		result := lattice.Type(lattice.Known(lattice.Void))
		for _, e := range n.Exprs {
			t, err := inf.infer(fn, e)
			if err != nil {
				return lattice.Unknown, err
			}
			result = t
		}
		n.Inferred = result
		return result, nil

	case graph.KReturn:
		if n.ReturnValue == nil {
			n.Inferred = lattice.Known(lattice.Void)
			return n.Inferred, nil
		}
		t, err := inf.infer(fn, n.ReturnValue)
		if err != nil {
			return lattice.Unknown, err
		}
		n.Inferred = t
		return t, nil

	case graph.KPrimitive1:
		a, err := inf.infer(fn, n.Arg1)
		if err != nil {
			return lattice.Unknown, err
		}
		p, ok := n.Op.(primitive.Primitive)
		if !ok {
			return lattice.Unknown, rterror.NewCompilerError("primitive %q missing contract", n.Op.Name())
		}
		n.Inferred = p.InferredReturn(a)
		return n.Inferred, nil

	case graph.KPrimitive2:
		a, err := inf.infer(fn, n.Arg1)
		if err != nil {
			return lattice.Unknown, err
		}
		b, err := inf.infer(fn, n.Arg2)
		if err != nil {
			return lattice.Unknown, err
		}
		p, ok := n.Op.(primitive.Primitive)
		if !ok {
			return lattice.Unknown, rterror.NewCompilerError("primitive %q missing contract", n.Op.Name())
		}
		n.Inferred = p.InferredReturn(a, b)
		return n.Inferred, nil

	case graph.KCall0, graph.KCall1, graph.KCall2, graph.KCallN:
		if _, err := inf.infer(fn, n.Fn); err != nil {
			return lattice.Unknown, err
		}
		for _, a := range n.Args {
			if _, err := inf.infer(fn, a); err != nil {
				return lattice.Unknown, err
			}
		}
		n.Inferred = lattice.Known(lattice.Ref)
		if n.Fn.Kind == graph.KDirectFunction && inf.Returns != nil {
			if t, ok := inf.Returns.ProvenReturn(n.Fn.FunctionID); ok {
				n.Inferred = t
			}
		}
		return n.Inferred, nil

	case graph.KDirectFunction:
		n.Inferred = lattice.Known(lattice.Ref)
		return n.Inferred, nil

	case graph.KClosure:
		for _, v := range n.CopiedOuters {
			_ = v // captured by reference; no type contribution to the closure's own type
		}
		n.Inferred = lattice.Known(lattice.Ref)
		return n.Inferred, nil

	default:
		return lattice.Unknown, rterror.NewCompilerError("infer: unhandled node kind %s", n.Kind)
	}
}

func (inf *Inferencer) inferLet(fn *graph.FunctionDef, n *graph.Node) (lattice.Type, error) {
	v := n.Var
	if n.IsRec {
		v.Inferred = lattice.Unknown
		var initT lattice.Type
		converged := false
		for round := 0; round < maxLatticeRounds; round++ {
			var err error
			initT, err = inf.infer(fn, n.Init)
			if err != nil {
				return lattice.Unknown, err
			}
			joined := lattice.Join(v.Inferred, initT)
			if joined.Equal(v.Inferred) {
				converged = true
				break
			}
			v.Inferred = joined
		}
		if !converged {
			// one more join attempt; if it still doesn't stabilize the
			// lattice itself failed to converge, which is impossible by
			// construction (4-point lattice, monotone join); treat as
			// a fatal bug.
			joined := lattice.Join(v.Inferred, initT)
			if !joined.Equal(v.Inferred) {
				return lattice.Unknown, &rterror.TypeInferenceFailure{Function: fn.Name, Rounds: maxLatticeRounds}
			}
		}
	} else {
		initT, err := inf.infer(fn, n.Init)
		if err != nil {
			return lattice.Unknown, err
		}
		v.Inferred = lattice.Join(v.Inferred, initT)
	}
	bodyT, err := inf.infer(fn, n.Body)
	if err != nil {
		return lattice.Unknown, err
	}
	n.Inferred = bodyT
	return bodyT, nil
}

func constType(v any) lattice.Type {
	switch v.(type) {
	case int, int64:
		return lattice.Known(lattice.Int)
	case bool:
		return lattice.Known(lattice.Bool)
	default:
		return lattice.Known(lattice.Ref)
	}
}
