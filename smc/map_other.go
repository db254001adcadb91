//go:build !linux

package smc

import (
	"github.com/c35s/scmi/platform"
	"github.com/c35s/scmi/shmem"
	"golang.org/x/sys/unix"
)

func mapDefault(res platform.Resource) (*shmem.Region, error) {
	return nil, unix.ENOTSUP
}
