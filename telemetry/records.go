package telemetry

// TraceRecord is one sampled value of one state variable at one probe.
type TraceRecord struct {
	Step     int     `csv:"step"`
	Time     float64 `csv:"time"`
	Probe    int     `csv:"probe"`
	Node     int     `csv:"node"`
	Variable string  `csv:"variable"`
	Value    float64 `csv:"value"`
}

// ActivationRecord is the first upcrossing time of one activated node.
// Unused coordinates are zero.
type ActivationRecord struct {
	Node int     `csv:"node"`
	X    int     `csv:"x"`
	Y    int     `csv:"y"`
	Z    int     `csv:"z"`
	Time float64 `csv:"time"`
}

// ECGRecord is one pseudo-ECG sample at one electrode.
type ECGRecord struct {
	Step      int     `csv:"step"`
	Time      float64 `csv:"time"`
	Electrode int     `csv:"electrode"`
	Value     float64 `csv:"value"`
}

// BeatRecord is one upcrossing at a probe and the interval since the
// previous one (zero for the first beat).
type BeatRecord struct {
	Probe    int     `csv:"probe"`
	Beat     int     `csv:"beat"`
	Time     float64 `csv:"time"`
	Interval float64 `csv:"interval"`
}
