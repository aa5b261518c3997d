// Package updatemodule speaks the contract with an externally supplied
// update-module executable (spec.md §4.6). Discovery, invocation, the
// first-line-only protocol for query states, and the file-size probe are
// all implemented here; the module executables themselves, and the
// artifact parser that produces Header, remain external collaborators per
// spec.md §1.
//
// Subprocess invocation is grounded on the teacher's
// context.WithTimeout(...) + client.Ping(ctx) idiom in
// docker-agent/main.go's NewDockerAgent, generalized from a single Docker
// API health check to a general-purpose "run this external command with a
// deadline" primitive.
package updatemodule

// Header is the streaming header view of an artifact's metadata that
// spec.md §1 treats as exposed by the (external) artifact parser.
type Header struct {
	PayloadType    string
	Name           string
	Group          string
	Provides       map[string]string
	ClearsProvides []string
}
