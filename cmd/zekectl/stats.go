package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"zeke/priv"
	"zeke/sysctl"
)

// dump renders every readable node in tr into a stable, sorted
// path->value map, the same shape sysctl(8) -a prints one line per
// node.
func dump(tr *sysctl.Tree, cred *priv.Cred_t) map[string]any {
	entries := tr.Walk()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	out := make(map[string]any, len(entries))
	for _, e := range entries {
		switch e.Kind {
		case sysctl.KindInt:
			if v, err := tr.GetInt(e.Path, cred); err == 0 {
				out[e.Path] = v
			}
		case sysctl.KindBool:
			if v, err := tr.GetBool(e.Path, cred); err == 0 {
				out[e.Path] = v
			}
		case sysctl.KindString:
			if v, err := tr.GetString(e.Path, cred); err == 0 {
				out[e.Path] = v
			}
		case sysctl.KindProc:
			if v, err := tr.CallProc(e.Path, cred, false, nil); err == 0 {
				out[e.Path] = v
			}
		}
	}
	return out
}

func newStatsCmd(arenaMB *int) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print every readable sysctl node once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, cred := bringup(*arenaMB)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(dump(tree, cred))
		},
	}
}

func newServeCmd(arenaMB *int) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the sysctl tree over a debug HTTP endpoint",
		Long: `serve exposes GET /sysctl (full tree dump) and GET /sysctl/{path}
(one node) over HTTP, routed with gorilla/mux the way canonical-snapd's
daemon routes its API surface. If the process was started under socket
activation (LISTEN_FDS set), the activated socket is used instead of
binding --addr, mirroring go-systemd/v22/activation's systemd-socket
hand-off contract.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, cred := bringup(*arenaMB)

			r := mux.NewRouter()
			r.HandleFunc("/sysctl", func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(dump(tree, cred))
			}).Methods(http.MethodGet)

			r.HandleFunc("/sysctl/{path:.+}", func(w http.ResponseWriter, req *http.Request) {
				path := mux.Vars(req)["path"]
				v, err := lookupOne(tree, cred, path)
				if err != 0 {
					http.Error(w, fmt.Sprintf("sysctl %s: err %d", path, err), http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(v)
			}).Methods(http.MethodGet)

			ln, err := activatedOrListen(addr)
			if err != nil {
				return errors.Wrap(err, "zekectl serve")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving sysctl tree on %s\n", ln.Addr())
			return http.Serve(ln, r)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7061", "address to bind when not socket-activated")
	return cmd
}

// lookupOne reads a single node of whatever kind it turns out to be,
// trying each Get* in turn since the HTTP route doesn't know the kind
// ahead of time.
func lookupOne(tr *sysctl.Tree, cred *priv.Cred_t, path string) (any, int) {
	if v, err := tr.GetInt(path, cred); err == 0 {
		return v, 0
	}
	if v, err := tr.GetBool(path, cred); err == 0 {
		return v, 0
	}
	if v, err := tr.GetString(path, cred); err == 0 {
		return v, 0
	}
	if v, err := tr.CallProc(path, cred, false, nil); err == 0 {
		return v, 0
	}
	return nil, -1
}

// activatedOrListen returns the first systemd-activated listener if
// this process was started via socket activation, falling back to a
// plain net.Listen on addr otherwise.
func activatedOrListen(addr string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, errors.Wrap(err, "activation.Listeners")
	}
	if len(listeners) > 0 {
		return listeners[0], nil
	}
	return net.Listen("tcp", addr)
}
