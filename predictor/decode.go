package predictor

import (
	"github.com/gordonliu0/LightForker/decoder"
	"github.com/gordonliu0/LightForker/resultlog"
	"github.com/unixpickle/essentials"
)

// Decode predicts the class of both branches for every
// sample and compares them to the labels, if any.
//
// The records are emitted to the sink in one call, so that
// they are stored together. The sink may be nil.
func (m *Model) Decode(b *Batch, sink resultlog.Sink) ([]resultlog.Record, error) {
	st, lf, err := m.Predict(b)
	if err != nil {
		return nil, err
	}
	stPred := decoder.ArgMax(st, m.NumClasses)
	lfPred := decoder.ArgMax(lf, m.NumClasses)

	var stTrue, lfTrue []int
	if b.Labels != nil {
		stTrue = decoder.ArgMax(m.labelHalf(b.Labels, 0), m.NumClasses)
		lfTrue = decoder.ArgMax(m.labelHalf(b.Labels, 1), m.NumClasses)
	}

	records := make([]resultlog.Record, b.Size())
	for i, name := range b.Names {
		st, lf := resultlog.NoClass, resultlog.NoClass
		if b.labeled(i, 2*m.NumClasses) {
			st, lf = stTrue[i], lfTrue[i]
		}
		records[i] = resultlog.NewRecord(m.RunID, name, stPred[i], st, lfPred[i], lf)
	}
	if sink != nil {
		if err := sink.Emit(records...); err != nil {
			return records, essentials.AddCtx("decode", err)
		}
	}
	return records, nil
}
