package stats

import "math"

// bayeseloToProba converts a BayesElo rating (relative to drawelo) to a
// (win, loss, draw) probability triple.
func bayeseloToProba(elo, drawelo float64) (pWin, pLoss, pDraw float64) {
	pWin = 1.0 / (1.0 + math.Pow(10, (-elo+drawelo)/400.0))
	pLoss = 1.0 / (1.0 + math.Pow(10, (elo+drawelo)/400.0))
	pDraw = 1.0 - pWin - pLoss
	return
}

// probaToBayeselo is the inverse of bayeseloToProba's elo component: given
// a win/loss probability pair it recovers (elo, drawelo).
func probaToBayeselo(pWin, pLoss float64) (elo, drawelo float64) {
	elo = 200 * math.Log10(pWin/pLoss*(1-pLoss)/(1-pWin))
	drawelo = 200 * math.Log10((1-pLoss)/pLoss*(1-pWin)/pWin)
	return
}

// DrawElo estimates the out-of-sample drawelo from an empirical (L,D,W)
// trinomial: 200·log10((1−P0)/P0·(1−P2)/P2), with P0=loss probability,
// P2=win probability.
func DrawElo(wins, draws, losses float64) float64 {
	reg := regularize([]float64{losses, draws, wins})
	n := reg[0] + reg[1] + reg[2]
	pLoss := reg[0] / n
	pWin := reg[2] / n
	_, drawelo := probaToBayeselo(pWin, pLoss)
	return drawelo
}

// bayeseloToLogisticElo converts one BayesElo bound to logistic elo against
// the estimated drawelo: it derives the (win,draw,loss) probabilities the
// BayesElo value implies, then re-expresses their expected score in
// logistic elo via Elo (the elo() inverse-logistic transform).
func bayeseloToLogisticElo(belo, drawelo float64) float64 {
	pWin, _, pDraw := bayeseloToProba(belo, drawelo)
	return Elo(pWin + 0.5*pDraw)
}

// MapBayesEloBounds converts the SPRT's elo0/elo1 bounds from BayesElo to
// logistic elo using the drawelo estimated from the run's own results, so
// GLR (which operates in logistic elo / score space) can be used
// regardless of which elo model the submitter chose.
func MapBayesEloBounds(elo0, elo1, drawelo float64) (logisticElo0, logisticElo1 float64) {
	return bayeseloToLogisticElo(elo0, drawelo), bayeseloToLogisticElo(elo1, drawelo)
}
