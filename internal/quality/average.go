package quality

// movingAverage keeps the most recent limit samples and their sum.
type movingAverage struct {
	samples []int
	sum     int
	limit   int
}

func (m *movingAverage) add(v int) {
	m.samples = append(m.samples, v)
	m.sum += v
	if m.limit > 0 && len(m.samples) > m.limit {
		m.sum -= m.samples[0]
		m.samples = m.samples[1:]
	}
}

// average returns the integer mean of the last n samples. It reports false
// until n samples exist.
func (m *movingAverage) average(n int) (int, bool) {
	if n <= 0 || n > len(m.samples) {
		return 0, false
	}
	for len(m.samples) > n {
		m.sum -= m.samples[0]
		m.samples = m.samples[1:]
	}
	return m.sum / n, true
}

func (m *movingAverage) len() int {
	return len(m.samples)
}

func (m *movingAverage) reset() {
	m.samples = m.samples[:0]
	m.sum = 0
}
