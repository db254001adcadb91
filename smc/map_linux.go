//go:build linux

package smc

import (
	"github.com/c35s/scmi/platform"
	"github.com/c35s/scmi/shmem"
)

func mapDefault(res platform.Resource) (*shmem.Region, error) {
	return shmem.MapDevMem(res)
}
