// Package volumes serves secrets from the secure store as docker volumes.
//
// A volume is bound to one (namespace, secret) pair when it is created. The
// payload is only written to disk while at least one container has the
// volume mounted.
package volumes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"rahoogan/secure-store/store"

	"github.com/containers/podman/v2/pkg/ctime"
	"github.com/docker/go-plugins-helpers/volume"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DEFAULT_FILE_NAME string = "secret"

	OPTION_NAMESPACE string = "namespace"
	OPTION_SECRET    string = "secret"
	OPTION_FILE_NAME string = "filename"

	registrationDir = "volumes"
	mountDir        = "mounts"
)

var volumeNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// SecretReader is the part of the secure store the volume driver needs.
type SecretReader interface {
	GetSecureData(ctx context.Context, namespace, name string) (*store.SecureStoreData, error)
}

// registration is persisted per volume so that volumes survive restarts
type registration struct {
	Namespace string `json:"namespace"`
	Secret    string `json:"secret"`
	FileName  string `json:"fileName"`
}

type DockerSecretsVolumeDriver struct {
	Store            SecretReader
	Root             string
	DefaultNamespace string

	mu     sync.Mutex
	mounts map[string]map[string]struct{}
}

func NewDriver(reader SecretReader, root, defaultNamespace string) (*DockerSecretsVolumeDriver, error) {
	for _, dir := range []string{filepath.Join(root, registrationDir), filepath.Join(root, mountDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Error().Err(err).Msg("Could not create volume root")
			return nil, err
		}
	}
	return &DockerSecretsVolumeDriver{
		Store:            reader,
		Root:             root,
		DefaultNamespace: defaultNamespace,
		mounts:           map[string]map[string]struct{}{},
	}, nil
}

func checkVolumeName(name string) error {
	if !volumeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid volume name %q", name)
	}
	return nil
}

func (driver *DockerSecretsVolumeDriver) registrationPath(name string) string {
	return filepath.Join(driver.Root, registrationDir, name+".json")
}

func (driver *DockerSecretsVolumeDriver) mountpoint(name string) string {
	return filepath.Join(driver.Root, mountDir, name)
}

func (driver *DockerSecretsVolumeDriver) load(name string) (*registration, error) {
	if err := checkVolumeName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(driver.registrationPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("secret volume %s does not exist, create it using 'docker volume create' first", name)
		log.Error().Err(err).Msg("Unknown secret volume")
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	var reg registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		log.Error().Err(err).Msg("Corrupted secret volume. Try deleting and recreating")
		return nil, err
	}
	return &reg, nil
}

// fetch checks the volume is registered and its secret still exists.
func (driver *DockerSecretsVolumeDriver) fetch(name string) (*registration, *store.SecureStoreData, error) {
	reg, err := driver.load(name)
	if err != nil {
		return nil, nil, err
	}
	data, err := driver.Store.GetSecureData(context.Background(), reg.Namespace, reg.Secret)
	if err != nil {
		log.Error().Err(err).Str("volume", name).Msg("Secret behind volume is unavailable")
		return nil, nil, err
	}
	return reg, data, nil
}

// Create registers a volume for a secret that must already exist. Options:
// "namespace", "secret" (defaults to the volume name) and "filename".
func (driver *DockerSecretsVolumeDriver) Create(request *volume.CreateRequest) error {
	if err := checkVolumeName(request.Name); err != nil {
		return err
	}
	reg := registration{
		Namespace: driver.DefaultNamespace,
		Secret:    request.Name,
		FileName:  DEFAULT_FILE_NAME,
	}
	for key, value := range request.Options {
		switch key {
		case OPTION_NAMESPACE:
			reg.Namespace = value
		case OPTION_SECRET:
			reg.Secret = value
		case OPTION_FILE_NAME:
			if value != filepath.Base(value) || value == "." || value == ".." {
				return fmt.Errorf("invalid %s option %q", OPTION_FILE_NAME, value)
			}
			reg.FileName = value
		default:
			return fmt.Errorf("unknown volume option %q", key)
		}
	}

	if _, err := driver.Store.GetSecureData(context.Background(), reg.Namespace, reg.Secret); err != nil {
		log.Error().Err(err).Msg("The secret does not exist in the secure store")
		return err
	}

	raw, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	path := driver.registrationPath(request.Name)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		err = errors.New("could not create secret volume. A volume with that name already exists")
		log.Error().Err(err).Str("volume", request.Name).Msg("Duplicate secret volume")
		return err
	}
	if err != nil {
		log.Error().Err(err).Msg("Could not register secret volume")
		return err
	}
	err = writeRegistration(file, raw)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		// A half written registration would block the name for good.
		_ = os.Remove(path)
		log.Error().Err(err).Msg("Could not register secret volume")
		return err
	}
	return nil
}

var writeRegistration = func(file *os.File, raw []byte) error {
	_, err := file.Write(raw)
	return err
}

func (driver *DockerSecretsVolumeDriver) Get(request *volume.GetRequest) (*volume.GetResponse, error) {
	if _, _, err := driver.fetch(request.Name); err != nil {
		return &volume.GetResponse{}, err
	}
	return &volume.GetResponse{Volume: &volume.Volume{Name: request.Name, Mountpoint: driver.mountpoint(request.Name)}}, nil
}

// List reports the registered volumes. It does not list the secure store.
func (driver *DockerSecretsVolumeDriver) List() (*volume.ListResponse, error) {
	files, err := os.ReadDir(filepath.Join(driver.Root, registrationDir))
	if err != nil {
		log.Error().Err(err).Msg("Could not read volumes dir")
		return &volume.ListResponse{Volumes: make([]*volume.Volume, 0)}, err
	}
	volumeList := []*volume.Volume{}
	for _, file := range files {
		name, ok := cutJSON(file.Name())
		if file.IsDir() || !ok {
			continue
		}
		fileInfo, err := file.Info()
		if err != nil {
			log.Warn().Str("volume", name).Msg("Corrupt volume registration")
			continue
		}
		volumeList = append(volumeList, &volume.Volume{
			Name:       name,
			Mountpoint: driver.mountpoint(name),
			CreatedAt:  ctime.Created(fileInfo).Format(time.RFC3339),
		})
	}
	return &volume.ListResponse{Volumes: volumeList}, nil
}

func cutJSON(fileName string) (string, bool) {
	if filepath.Ext(fileName) != ".json" {
		return "", false
	}
	return fileName[:len(fileName)-len(".json")], true
}

// Remove drops the volume registration. The secret stays in the store.
func (driver *DockerSecretsVolumeDriver) Remove(request *volume.RemoveRequest) error {
	if err := checkVolumeName(request.Name); err != nil {
		return err
	}
	driver.mu.Lock()
	defer driver.mu.Unlock()
	if len(driver.mounts[request.Name]) > 0 {
		return fmt.Errorf("secret volume %s is in use", request.Name)
	}

	if err := os.Remove(driver.registrationPath(request.Name)); err != nil {
		log.Error().Err(err).Msg("Volume could not be deleted")
		return err
	}
	if err := os.RemoveAll(driver.mountpoint(request.Name)); err != nil {
		log.Error().Err(err).Msg("Volume mountpoint could not be cleaned up")
		return err
	}
	return nil
}

func (driver *DockerSecretsVolumeDriver) Path(request *volume.PathRequest) (*volume.PathResponse, error) {
	if _, err := driver.load(request.Name); err != nil {
		return &volume.PathResponse{}, err
	}
	return &volume.PathResponse{Mountpoint: driver.mountpoint(request.Name)}, nil
}

// Mount fetches the secret and writes it read-only into the volume
// directory.
func (driver *DockerSecretsVolumeDriver) Mount(request *volume.MountRequest) (*volume.MountResponse, error) {
	reg, data, err := driver.fetch(request.Name)
	if err != nil {
		return &volume.MountResponse{}, err
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()

	dir := driver.mountpoint(request.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return &volume.MountResponse{}, err
	}
	tmp := filepath.Join(dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmp, data.Data, 0o400); err != nil {
		log.Error().Err(err).Msg("Could not write secret into volume")
		return &volume.MountResponse{}, err
	}
	if err := os.Rename(tmp, filepath.Join(dir, reg.FileName)); err != nil {
		_ = os.Remove(tmp)
		log.Error().Err(err).Msg("Could not write secret into volume")
		return &volume.MountResponse{}, err
	}

	if driver.mounts[request.Name] == nil {
		driver.mounts[request.Name] = map[string]struct{}{}
	}
	driver.mounts[request.Name][request.ID] = struct{}{}
	return &volume.MountResponse{Mountpoint: dir}, nil
}

// Unmount removes the payload once no container uses the volume.
func (driver *DockerSecretsVolumeDriver) Unmount(request *volume.UnmountRequest) error {
	reg, err := driver.load(request.Name)
	if err != nil {
		return err
	}

	driver.mu.Lock()
	defer driver.mu.Unlock()

	delete(driver.mounts[request.Name], request.ID)
	if len(driver.mounts[request.Name]) > 0 {
		return nil
	}
	delete(driver.mounts, request.Name)
	err = os.Remove(filepath.Join(driver.mountpoint(request.Name), reg.FileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Error().Err(err).Msg("Could not remove secret from volume")
		return err
	}
	return nil
}

func (driver *DockerSecretsVolumeDriver) Capabilities() *volume.CapabilitiesResponse {
	return &volume.CapabilitiesResponse{Capabilities: volume.Capability{Scope: "local"}}
}
