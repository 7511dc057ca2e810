package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Leantar/fimproto/proto"
	"github.com/Leantar/fimwatch/modules/watcher"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// DefaultRewatchInterval is how often a vanished root is looked for.
const DefaultRewatchInterval = 10 * time.Second

type Config struct {
	Host        string         `yaml:"host"`
	Port        int64          `yaml:"port"`
	CertFile    string         `yaml:"cert_file"`
	CertKeyFile string         `yaml:"cert_key_file"`
	CaFile      string         `yaml:"ca_file"`
	Exclude     []string       `yaml:"exclude"`
	Watcher     watcher.Config `yaml:"watcher"`
	// RewatchInterval is how often a watched root that disappeared is
	// looked for again.
	RewatchInterval time.Duration `yaml:"rewatch_interval"`
}

type Agent struct {
	conn   *grpc.ClientConn
	client proto.FimClient
	conf   Config
	ctx    context.Context
	cancel context.CancelFunc
}

func New(config Config) *Agent {
	ctx, cancel := context.WithCancel(context.Background())

	return &Agent{
		conf:   config,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Agent) Connect() error {
	creds, err := createGrpcCredentials(a.conf.CertFile, a.conf.CertKeyFile, a.conf.CaFile)
	if err != nil {
		return err
	}

	address := net.JoinHostPort(a.conf.Host, strconv.FormatInt(a.conf.Port, 10))

	a.conn, err = grpc.Dial(address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return err
	}
	log.Info().Msgf("connected to %s", address)

	a.client = proto.NewFimClient(a.conn)

	return nil
}

// Run sends the baseline or fs status requested by the server and then
// reports file system events until Stop is called.
func (a *Agent) Run() error {
	err := a.run(a.ctx)
	if a.ctx.Err() != nil {
		// Stopped
		return nil
	}

	return err
}

func (a *Agent) run(ctx context.Context) error {
	info, err := a.client.GetStartupInfo(ctx, &proto.Empty{})
	if err != nil {
		return err
	}

	s, err := newScope(info.WatchedPaths, a.conf.Exclude)
	if err != nil {
		return err
	}

	objs, err := collectFsObjects(ctx, s.paths, s)
	if err != nil {
		return err
	}

	if info.CreateBaseline {
		err = a.createBaseline(ctx, objs)
	} else if info.UpdateBaseline {
		err = a.updateBaseline(ctx, objs)
	} else {
		err = a.reportFsStatus(ctx, objs)
	}
	if err != nil {
		return err
	}
	log.Info().Msgf("sent state of %d objects", len(objs))

	return a.watchFsEvents(ctx, s)
}

func (a *Agent) Stop() error {
	log.Info().Msg("stopping agent")
	a.cancel()

	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func createGrpcCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	caFile, err := filepath.Abs(caPath)
	if err != nil {
		return nil, err
	}

	caBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}

	certFile, err := filepath.Abs(certPath)
	if err != nil {
		return nil, err
	}

	keyFile, err := filepath.Abs(keyPath)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	ok := pool.AppendCertsFromPEM(caBytes)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s", caFile)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return credentials.NewTLS(&tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
	}), nil
}
