package device_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/google/uuid"

	"github.com/cinelane/cinelane/device"
)

var _ = Describe("Identity", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	It("returns the same id on every call", func() {
		id := device.New(dir)
		first := id.DeviceID()
		Expect(first).NotTo(BeEmpty())
		Expect(id.DeviceID()).To(Equal(first))
		Expect(id.DeviceID()).To(Equal(first))
	})

	It("persists the id across instances sharing a storage dir", func() {
		first := device.New(dir).DeviceID()
		second := device.New(dir).DeviceID()
		Expect(second).To(Equal(first))
	})

	It("generates a valid UUID", func() {
		id := device.New(dir).DeviceID()
		_, err := uuid.Parse(id)
		Expect(err).NotTo(HaveOccurred())
	})

	It("reads back a pre-existing id file", func() {
		Expect(os.WriteFile(filepath.Join(dir, "device_id"), []byte("stored-id\n"), 0o600)).To(Succeed())
		Expect(device.New(dir).DeviceID()).To(Equal("stored-id"))
	})

	It("still serves an id when the dir is not writable", func() {
		// Point at a path that cannot be created.
		blocked := filepath.Join(dir, "file")
		Expect(os.WriteFile(blocked, []byte("x"), 0o600)).To(Succeed())
		id := device.New(filepath.Join(blocked, "sub")).DeviceID()
		Expect(id).NotTo(BeEmpty())
	})

	It("ignores an empty id file and regenerates", func() {
		Expect(os.WriteFile(filepath.Join(dir, "device_id"), []byte("  \n"), 0o600)).To(Succeed())
		id := device.New(dir).DeviceID()
		Expect(id).NotTo(BeEmpty())
		Expect(id).NotTo(Equal("  "))
	})
})
