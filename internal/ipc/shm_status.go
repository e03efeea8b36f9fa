/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"stash.kopano.io/kgol/kdeliver/server"
)

const (
	shmStatusProjectID = "kdeliverd"
	shmStatusTotalSize = 1024 * 1024 // 1 MiB
)

func ftok(s, id string) string {
	h := sha256.New()
	h.Write([]byte(s))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:8])
}

// shmStatus publishes the status of a running kdeliverd in a shared memory
// object named after its state path.
type shmStatus struct {
	statePath string
	projectID string
}

func (s *shmStatus) ftok() string {
	if s.statePath == "" {
		panic("no state path set")
	}
	projectID := s.projectID
	if projectID == "" {
		projectID = shmStatusProjectID
	}
	return projectID + "-status." + ftok(s.statePath, projectID)
}

func (s *shmStatus) clear() error {
	return shm.DestroyMemoryObject(s.ftok())
}

func (s *shmStatus) set(status *server.Status) error {
	frame, err := newStatusFrame(status, shmStatusTotalSize)
	if err != nil {
		return err
	}

	obj, _, err := shm.NewMemoryObjectSize(s.ftok(), os.O_CREATE|os.O_WRONLY, 0666, shmStatusTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, 0, shmStatusTotalSize)
	if err != nil {
		return fmt.Errorf("failed to map status: %w", err)
	}
	defer region.Close()

	return frame.writeTo(mmf.NewMemoryRegionWriter(region), func() error {
		return region.Flush(false)
	})
}

func (s *shmStatus) get() (*server.Status, error) {
	obj, err := shm.NewMemoryObject(s.ftok(), os.O_RDONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to read shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, 0, shmStatusTotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map status: %w", err)
	}
	defer region.Close()

	return readStatusFrame(mmf.NewMemoryRegionReader(region), shmStatusTotalSize)
}
