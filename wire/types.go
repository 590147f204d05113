package wire

type (
	// Endpoint identifies the member of the group on the network.
	Endpoint string

	// Kind identifies the type of castable event carried by the frame.
	Kind uint64
)

// Hello is the message exchanged between peers when connecting.
type Hello struct {
	Endpoint Endpoint
}

// ViewID identifies the view the cast was sent in.
type ViewID struct {
	Coordinator Endpoint
	LTime       uint64
}

// Header describes the message following it.
type Header struct {
	Kind      Kind
	Source    Endpoint
	Orig      uint64
	View      ViewID
	Multicast bool
}
