// Package codec defines the wire messages carried over the remote kernel
// transport and their encodings.
//
// The transport treats RemoteRequest, RemoteResponse and NotebookUpdate as
// opaque envelopes: the Kind and Payload fields are the kernel's concern,
// not the transport's. The one exception is the shutdown request kind,
// which the transport itself must recognize in order to know when a
// Client's request stream should terminate.
package codec

// ChannelRole identifies which of the two channels a socket was assigned.
// It is the first frame ever sent on a freshly connected socket.
type ChannelRole byte

const (
	RoleMain ChannelRole = iota
	RoleNotebookUpdates
)

func (r ChannelRole) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleNotebookUpdates:
		return "notebook-updates"
	default:
		return "unknown"
	}
}

// KindShutdown is the RemoteRequest.Kind value that marks a shutdown
// request. A TransportClient's Requests stream terminates after delivering
// a request with this kind.
const KindShutdown = "shutdown"

// RemoteRequest travels server -> client on the main channel.
type RemoteRequest struct {
	ID      uint64
	Kind    string
	Payload []byte
}

// IsShutdown reports whether this request is the distinguished shutdown
// variant that terminates the client's request stream once observed.
func (r RemoteRequest) IsShutdown() bool {
	return r.Kind == KindShutdown
}

// RemoteResponse travels client -> server on the main channel.
type RemoteResponse struct {
	ID      uint64
	Kind    string
	Payload []byte
}

// NotebookUpdate travels server -> client on the notebook-updates channel.
type NotebookUpdate struct {
	Seq     uint64
	Kind    string
	Payload []byte
}
