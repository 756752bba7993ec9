package artifact

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/spf13/afero/sftpfs"
	"golang.org/x/crypto/ssh"
)

// SFTPConfig describes the microVM host artifacts are pushed to.
type SFTPConfig struct {
	Addr           string `mapstructure:"addr"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	Root           string `mapstructure:"root"`
}

// SFTPStore is an FSStore on a remote host reached over SSH.
type SFTPStore struct {
	*FSStore
	ssh  *ssh.Client
	sftp *sftp.Client
}

func DialSFTPStore(cfg SFTPConfig) (*SFTPStore, error) {
	if cfg.Addr == "" || cfg.User == "" {
		return nil, fmt.Errorf("sftp addr and user are required")
	}
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", cfg.Addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ssh dial failed: %w", err)
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	root := cfg.Root
	if root == "" {
		root = "/var/lib/rootfs/artifacts"
	}
	if err := sc.MkdirAll(root); err != nil {
		sc.Close()
		client.Close()
		return nil, fmt.Errorf("create remote artifact root: %w", err)
	}
	fs := afero.NewBasePathFs(sftpfs.New(sc), root)
	return &SFTPStore{FSStore: NewFSStore(fs), ssh: client, sftp: sc}, nil
}

func (s *SFTPStore) Close() error {
	err := s.sftp.Close()
	if cerr := s.ssh.Close(); err == nil {
		err = cerr
	}
	return err
}

func authMethods(cfg SFTPConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if p := strings.TrimSpace(cfg.PrivateKeyPath); p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no ssh authentication method configured")
	}
	return methods, nil
}
