package swarm

// State is the swarm's top-level lifecycle state.
type State uint8

const (
	// StateCheckingResume is the initial state: fast-resume data (if
	// any) is checked against on-disk files.
	StateCheckingResume State = iota
	// StateCheckingFiles hashes every piece because resume data was
	// absent or didn't match on-disk reality.
	StateCheckingFiles
	// StateDownloading is the steady-state "fetching missing pieces"
	// state.
	StateDownloading
	// StateFinished means every piece has verified but the swarm
	// hasn't yet transitioned into StateSeeding (e.g. a final fsync
	// pass is still pending).
	StateFinished
	// StateSeeding means the swarm has every piece and only uploads.
	StateSeeding
	// StateError is terminal until a caller takes explicit action
	// (e.g. re-running resume verification).
	StateError
)

func (s State) String() string {
	switch s {
	case StateCheckingResume:
		return "checking_resume"
	case StateCheckingFiles:
		return "checking_files"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
