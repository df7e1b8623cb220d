package spectral

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"koopmem/internal/apperr"
	"koopmem/internal/trace"
)

// sigmaMinDefault is the smallest retained singular value, estimated from
// the running Gram matrix, below which the running operator estimate is
// judged too ill-conditioned to trust and a full batch refit runs instead.
const sigmaMinDefault = 1e-6

// IncrementalLearner maintains a running Koopman operator estimate via
// recursive rank-one updates (the Sherman-Morrison recursive-least-squares
// scheme behind online DMD): every observed snapshot pair updates the
// operator in place, with no buffer-then-batch-refit in between. The
// eigendecomposition that turns the operator into Modes is refreshed every
// refitThreshold snapshots; if the running estimate's conditioning has degraded
// below sigmaMin by then, a full batch refit over a bounded trailing window
// of traces runs instead, which also re-seeds the running operator.
type IncrementalLearner struct {
	width int
	rank  int

	P *mat.Dense // running estimate of (X X^T + reg I)^-1
	A *mat.Dense // running estimate of the Koopman operator Y X^T (X X^T)^-1
	G *mat.Dense // running Gram matrix X X^T, consulted only to judge conditioning

	lastState []float64
	havePrior bool

	window    []trace.Trace
	windowCap int

	refitThreshold    int
	sinceEigenRefresh int
	sigmaMin          float64

	current *Model
}

// NewIncrementalLearner creates a learner that refreshes its eigendecomposition
// after refitThreshold newly observed snapshots have accumulated.
func NewIncrementalLearner(width, rank, refitThreshold int) *IncrementalLearner {
	if refitThreshold <= 0 {
		refitThreshold = 32
	}
	windowCap := refitThreshold * 4
	if windowCap < width*2 {
		windowCap = width * 2
	}
	l := &IncrementalLearner{
		width:          width,
		rank:           rank,
		refitThreshold: refitThreshold,
		windowCap:      windowCap,
		sigmaMin:       sigmaMinDefault,
	}
	l.resetOperator()
	return l
}

// resetOperator re-seeds the running operator from scratch, ridge-regularized
// so P stays invertible before enough pairs have been observed to make X X^T
// full rank on its own.
func (l *IncrementalLearner) resetOperator() {
	const reg = 1e-2
	p := mat.NewDense(l.width, l.width, nil)
	for i := 0; i < l.width; i++ {
		p.Set(i, i, 1/reg)
	}
	l.P = p
	l.A = mat.NewDense(l.width, l.width, nil)
	l.G = mat.NewDense(l.width, l.width, nil)
}

// Observe feeds every consecutive snapshot pair in t (bridged from the
// previous call's final snapshot, so a fit never misses the transition
// across trace boundaries) through a rank-one update of the running
// operator, then refreshes the fitted model once refitThreshold snapshots
// have accumulated since the last refresh. It returns the current model,
// which may be unchanged if no refresh has run yet.
func (l *IncrementalLearner) Observe(t trace.Trace) (*Model, error) {
	l.window = append(l.window, t)
	l.trimWindow()

	for _, snap := range t.Snapshots {
		state := snap.Activation.Dense()
		if l.havePrior {
			l.updatePair(l.lastState, state)
		}
		l.lastState = state
		l.havePrior = true
		l.sinceEigenRefresh++
	}

	if l.sinceEigenRefresh < l.refitThreshold {
		return l.current, nil
	}
	l.sinceEigenRefresh = 0

	if sigma := smallestSingularValueEstimate(l.G, l.width); sigma < l.sigmaMin {
		model, err := FitBatch(l.window, l.rank)
		if err != nil {
			return l.current, err
		}
		// The batch refit is exact over the window; re-seed the online
		// operator so future rank-one updates build on a well-conditioned
		// basis instead of compounding the ill-conditioned one.
		l.resetOperator()
		l.havePrior = false
		l.current = model
		return l.current, nil
	}

	model, err := l.modelFromOperator()
	if err != nil {
		return l.current, err
	}
	l.current = model
	return l.current, nil
}

// updatePair applies one Sherman-Morrison recursive-least-squares step to
// the running operator A and its precision estimate P given an observed
// state transition x -> y, and accumulates the Gram matrix used later to
// judge conditioning.
func (l *IncrementalLearner) updatePair(x, y []float64) {
	width := l.width
	xv := mat.NewVecDense(width, append([]float64(nil), x...))
	px := mat.NewVecDense(width, nil)
	px.MulVec(l.P, xv)

	denom := 1.0
	for i := 0; i < width; i++ {
		denom += x[i] * px.AtVec(i)
	}
	gamma := 1.0 / denom

	ax := mat.NewVecDense(width, nil)
	ax.MulVec(l.A, xv)

	for i := 0; i < width; i++ {
		innov := y[i] - ax.AtVec(i)
		for j := 0; j < width; j++ {
			l.A.Set(i, j, l.A.At(i, j)+gamma*innov*px.AtVec(j))
			l.P.Set(i, j, l.P.At(i, j)-gamma*px.AtVec(i)*px.AtVec(j))
			l.G.Set(i, j, l.G.At(i, j)+x[i]*x[j])
		}
	}
}

// smallestSingularValueEstimate reads the smallest eigenvalue off the
// running Gram matrix G = X X^T and takes its square root, the standard
// relationship between a matrix's singular values and the eigenvalues of
// its Gram matrix.
func smallestSingularValueEstimate(G *mat.Dense, width int) float64 {
	sym := mat.NewSymDense(width, nil)
	for i := 0; i < width; i++ {
		for j := i; j < width; j++ {
			sym.SetSym(i, j, G.At(i, j))
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(sym, false); !ok {
		return 0
	}
	min := math.Inf(1)
	for _, v := range eig.Values(nil) {
		if v < min {
			min = v
		}
	}
	if min < 0 || math.IsInf(min, 1) {
		return 0
	}
	return math.Sqrt(min)
}

// modelFromOperator builds a Model directly from the running operator's own
// eigendecomposition, without touching the buffered window: the operator
// already reflects every pair observed since the learner was created or
// last re-seeded by a batch fallback.
func (l *IncrementalLearner) modelFromOperator() (*Model, error) {
	var eig mat.Eigen
	if ok := eig.Factorize(l.A, mat.EigenBoth); !ok {
		return nil, apperr.New(apperr.Internal, "eigendecomposition of online operator failed")
	}
	values := eig.Values(nil)
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	keep := l.rank
	if keep <= 0 || keep > l.width {
		keep = l.width
	}
	modes := modesFromEigen(values, func(k int) []complex128 {
		col := make([]complex128, l.width)
		for i := 0; i < l.width; i++ {
			col[i] = vecs.At(i, k)
		}
		return col
	}, l.width, keep)

	return &Model{Width: l.width, Modes: modes}, nil
}

// trimWindow keeps the fallback buffer bounded to windowCap snapshots,
// dropping the oldest trace once the cap is exceeded.
func (l *IncrementalLearner) trimWindow() {
	total := 0
	for _, tr := range l.window {
		total += len(tr.Snapshots)
	}
	for total > l.windowCap && len(l.window) > 1 {
		total -= len(l.window[0].Snapshots)
		l.window = l.window[1:]
	}
}

// Current returns the most recently fitted model, or nil if none yet.
func (l *IncrementalLearner) Current() *Model {
	return l.current
}
