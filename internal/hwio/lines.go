package hwio

// buttonLine is an input line delivering debounced press events to the
// callback passed at open time.
type buttonLine interface {
	Close() error
}

// ledLine is a digital output line.
type ledLine interface {
	SetOn(on bool) error
	Close() error
}
