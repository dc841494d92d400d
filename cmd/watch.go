package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/duration"
	"k8s.io/client-go/rest"

	"github.com/giantswarm/clusterlink/internal/apimanager"
	"github.com/giantswarm/clusterlink/internal/cluster"
	"github.com/giantswarm/clusterlink/internal/instrumentation"
	"github.com/giantswarm/clusterlink/internal/kubeapi"
	"github.com/giantswarm/clusterlink/internal/logging"
	"github.com/giantswarm/clusterlink/internal/proxy"
	"github.com/giantswarm/clusterlink/internal/store"
)

func newWatchCmd() *cobra.Command {
	var (
		clusterRef string
		namespaces []string
		once       bool
	)

	cmd := &cobra.Command{
		Use:   "watch API_PATH",
		Short: "List and watch a resource through the local proxy",
		Long: `Keep an object store of one resource in sync and print it on every
change. API_PATH is a Kubernetes API path such as /api/v1/pods or
/apis/apps/v1/deployments; a namespace in the path is watched like -n.

The store reads through an in-process proxy, exactly as a browser client
would, so the output reflects what /api-kube serves.`,
		Example: `  clusterlink watch -c prod /api/v1/pods -n kube-system
  clusterlink watch -c prod /apis/apps/v1/namespaces/team/deployments --once`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := kubeapi.Parse(args[0])
			if err != nil {
				return err
			}
			if parsed.Resource == "" {
				return fmt.Errorf("%s names no resource", args[0])
			}
			if parsed.Namespace != "" && parsed.Resource != "namespaces" {
				namespaces = append(namespaces, parsed.Namespace)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWatch(ctx, cmd.OutOrStdout(), clusterRef, parsed, namespaces, once)
		},
	}

	cmd.Flags().StringVarP(&clusterRef, "cluster", "c", "", "Cluster ID or kubeconfig context name")
	cmd.Flags().StringSliceVarP(&namespaces, "namespace", "n", nil, "Namespaces to watch (default: all)")
	cmd.Flags().BoolVar(&once, "once", false, "Print the current list and exit")
	_ = cmd.MarkFlagRequired("cluster")
	return cmd
}

func runWatch(ctx context.Context, out io.Writer, clusterRef string, parsed kubeapi.Parsed, namespaces []string, once bool) error {
	a, err := newApp(ctx, commonAppConfig())
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	h, err := a.findCluster(clusterRef)
	if err != nil {
		return err
	}

	proxyURL, stop, err := startLocalProxy(a)
	if err != nil {
		return err
	}
	defer stop()

	client, err := kubeapi.NewRESTClient(clusterRESTConfig(proxyURL, h.ID()))
	if err != nil {
		return err
	}
	apis, err := a.server.APIManager(h.ID())
	if err != nil {
		return err
	}

	w := &watchRun{
		out:        out,
		client:     client,
		logger:     logging.WithCluster(a.logger, h.ID()),
		metrics:    a.provider.Metrics(),
		apis:       apis,
		namespaces: namespaces,
		once:       once,
	}

	switch base := parsed.APIBase; {
	case kubeapi.NamespaceDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.NamespaceDescriptor(), (*kubeapi.Namespace).StatusText)
	case kubeapi.ConfigMapDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.ConfigMapDescriptor(), func(c *kubeapi.ConfigMap) string {
			return strings.Join(c.Keys(), ",")
		})
	case kubeapi.SecretDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.SecretDescriptor(), func(s *kubeapi.Secret) string {
			return strings.Join(s.Keys(), ",")
		})
	case kubeapi.RoleBindingDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.RoleBindingDescriptor(), (*kubeapi.RoleBinding).SubjectNames)
	case kubeapi.ClusterRoleBindingDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.ClusterRoleBindingDescriptor(), (*kubeapi.ClusterRoleBinding).SubjectNames)
	case kubeapi.IngressDescriptor().Serves(base):
		return watchWith(ctx, w, kubeapi.IngressDescriptor(), func(i *kubeapi.Ingress) string {
			return strings.Join(i.Hosts(), ",")
		})
	default:
		desc, err := kubeapi.DiscoveredDescriptor(ctx, client, base)
		if err != nil {
			return err
		}
		return watchWith[*kubeapi.KubeObject](ctx, w, desc, nil)
	}
}

type watchRun struct {
	out        io.Writer
	client     rest.Interface
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	apis       *apimanager.Manager
	namespaces []string
	once       bool
}

// watchWith keeps a store of desc in sync and prints it. detail, when set,
// fills the INFO column.
func watchWith[T kubeapi.Object](ctx context.Context, w *watchRun, desc kubeapi.Descriptor[T], detail func(T) string) error {
	api, err := kubeapi.NewAPI(w.client, desc,
		kubeapi.WithLogger(w.logger),
		kubeapi.WithMetrics(w.metrics),
	)
	if err != nil {
		return err
	}

	namespaces := w.namespaces
	if !desc.Namespaced {
		namespaces = nil
	}

	st := store.New(api, store.WithLogger(w.logger), store.WithMetrics(w.metrics))
	w.apis.RegisterStore(st)

	if w.once {
		items, err := st.LoadAll(ctx, namespaces)
		if err != nil {
			return err
		}
		return writeObjectTable(w.out, items, time.Now(), detail)
	}

	dispose := st.Subscribe(namespaces...)
	defer dispose()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-st.Changes():
			if err := st.Err(); err != nil {
				return fmt.Errorf("watch of %s stopped: %w", api.APIBase(), err)
			}
			if !st.Loaded() {
				continue
			}
			_, _ = fmt.Fprintf(w.out, "--- %s %s (%d)\n", time.Now().Format(time.TimeOnly), api.APIBase(), st.Len())
			if err := writeObjectTable(w.out, st.ItemsIn(namespaces...), time.Now(), detail); err != nil {
				return err
			}
		}
	}
}

// startLocalProxy serves the proxy on a loopback port and returns its
// /api-kube base URL.
func startLocalProxy(a *app) (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to start local proxy: %w", err)
	}

	p := a.newProxy()
	srv := &http.Server{Handler: p, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("local proxy stopped", logging.Err(err))
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		p.Close()
	}
	return "http://" + listener.Addr().String() + proxy.APIKubePrefix, stop, nil
}

// clusterRESTConfig points a REST client at the proxy and selects the
// cluster with the X-Cluster-ID header.
func clusterRESTConfig(proxyURL, clusterID string) *rest.Config {
	return &rest.Config{
		Host: proxyURL,
		WrapTransport: func(rt http.RoundTripper) http.RoundTripper {
			return &clusterHeaderTransport{clusterID: clusterID, next: rt}
		},
	}
}

type clusterHeaderTransport struct {
	clusterID string
	next      http.RoundTripper
}

func (t *clusterHeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(cluster.ClusterIDHeader, t.clusterID)
	return t.next.RoundTrip(req)
}

func writeObjectTable[T kubeapi.Object](w io.Writer, items []T, now time.Time, detail func(T) string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if detail != nil {
		_, _ = fmt.Fprintln(tw, "NAMESPACE\tNAME\tAGE\tINFO")
	} else {
		_, _ = fmt.Fprintln(tw, "NAMESPACE\tNAME\tAGE")
	}
	for _, item := range items {
		obj := item.Base()
		ns := obj.Namespace()
		if ns == "" {
			ns = "-"
		}
		name := obj.Name()
		if obj.IsTerminating() {
			name += " (terminating)"
		}
		age := duration.HumanDuration(obj.Age(now))
		if detail == nil {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", ns, name, age)
			continue
		}
		info := detail(item)
		if info == "" {
			info = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ns, name, age, info)
	}
	return tw.Flush()
}
