package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"netsatbench/pkg/model"
)

// EtcdConfig carries the connection parameters every binary reads from the
// ETCD_* environment.
type EtcdConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	CACert   string
}

// EtcdConfigFromEnv builds the config from ETCD_HOST, ETCD_PORT, ETCD_USER,
// ETCD_PASSWORD and ETCD_CA_CERT, with the usual localhost defaults.
func EtcdConfigFromEnv() EtcdConfig {
	cfg := EtcdConfig{
		Host:     os.Getenv("ETCD_HOST"),
		Port:     os.Getenv("ETCD_PORT"),
		Username: os.Getenv("ETCD_USER"),
		Password: os.Getenv("ETCD_PASSWORD"),
		CACert:   os.Getenv("ETCD_CA_CERT"),
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "2379"
	}
	return cfg
}

// Endpoint returns host:port.
func (c EtcdConfig) Endpoint() string { return c.Host + ":" + c.Port }

// Etcd is the production Store backend.
type Etcd struct {
	cli *clientv3.Client
}

// NewEtcd connects and verifies the endpoint is reachable.
func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	clientCfg := clientv3.Config{
		Endpoints:   []string{cfg.Endpoint()},
		DialTimeout: 5 * time.Second,
		Username:    cfg.Username,
		Password:    cfg.Password,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("%w: reading CA cert: %v", model.ErrStore, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", model.ErrStore, cfg.CACert)
		}
		clientCfg.TLS = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connecting to %s: %v", model.ErrStore, cfg.Endpoint(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Status(ctx, cfg.Endpoint()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %s unreachable: %v", model.ErrStore, cfg.Endpoint(), err)
	}
	return &Etcd{cli: cli}, nil
}

func (e *Etcd) Get(ctx context.Context, key string) ([]byte, int64, error) {
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: get %s: %v", model.ErrStore, key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte) error {
	if _, err := e.cli.Put(ctx, key, string(value)); err != nil {
		return fmt.Errorf("%w: put %s: %v", model.ErrStore, key, err)
	}
	return nil
}

func (e *Etcd) Delete(ctx context.Context, key string) error {
	if _, err := e.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", model.ErrStore, key, err)
	}
	return nil
}

func (e *Etcd) List(ctx context.Context, prefix string) (map[string][]byte, int64, error) {
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list %s: %v", model.ErrStore, prefix, err)
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out, resp.Header.Revision, nil
}

func (e *Etcd) Commit(ctx context.Context, txn Txn) error {
	if len(txn) == 0 {
		return nil
	}
	ops := make([]clientv3.Op, 0, len(txn))
	for _, op := range txn {
		switch op.Type {
		case OpPut:
			ops = append(ops, clientv3.OpPut(op.Key, string(op.Value)))
		case OpDelete:
			ops = append(ops, clientv3.OpDelete(op.Key))
		case OpDeletePrefix:
			ops = append(ops, clientv3.OpDelete(op.Key, clientv3.WithPrefix()))
		}
	}
	resp, err := e.cli.Txn(ctx).Then(ops...).Commit()
	if err != nil {
		return fmt.Errorf("%w: txn (%d ops): %v", model.ErrStore, len(ops), err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: txn rejected", model.ErrStore)
	}
	return nil
}

const maxWatchBackoff = 30 * time.Second

func (e *Etcd) Watch(ctx context.Context, prefix string, fromRev int64) <-chan Event {
	out := make(chan Event, 256)
	go func() {
		defer close(out)
		rev := fromRev
		backoff := time.Second
		for ctx.Err() == nil {
			opts := []clientv3.OpOption{clientv3.WithPrefix()}
			if rev > 0 {
				opts = append(opts, clientv3.WithRev(rev+1))
			}
			wch := e.cli.Watch(clientv3.WithRequireLeader(ctx), prefix, opts...)
			healthy := false
			for resp := range wch {
				if resp.CompactRevision > 0 {
					// history is gone; the consumer must list-then-diff
					rev = 0
					out <- Event{Type: EventResync}
					break
				}
				if err := resp.Err(); err != nil {
					break
				}
				for _, ev := range resp.Events {
					oe := Event{Key: string(ev.Kv.Key), Rev: ev.Kv.ModRevision}
					if ev.Type == clientv3.EventTypeDelete {
						oe.Type = EventDelete
					} else {
						oe.Type = EventPut
						oe.Value = ev.Kv.Value
					}
					rev = ev.Kv.ModRevision
					out <- oe
				}
				healthy = true
				backoff = time.Second
			}
			if ctx.Err() != nil {
				return
			}
			if !healthy {
				backoff *= 2
				if backoff > maxWatchBackoff {
					backoff = maxWatchBackoff
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			out <- Event{Type: EventResync}
		}
	}()
	return out
}

func (e *Etcd) Close() error { return e.cli.Close() }
