/*
Copyright The MongoDB Backup System Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package assistant

import (
	"context"
	"errors"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/anthrax3/mongodb-backup-system/api/v1"
	"github.com/anthrax3/mongodb-backup-system/pkg/connector"
	"github.com/anthrax3/mongodb-backup-system/pkg/mbserrors"
	"github.com/anthrax3/mongodb-backup-system/pkg/version"
)

var _ = Describe("local backup assistant", func() {
	var (
		ctx  context.Context
		root string
		a    *LocalBackupAssistant
	)

	BeforeEach(func() {
		ctx = context.Background()
		root = GinkgoT().TempDir()
		a = NewLocalBackupAssistant(root)
	})

	Describe("task workspaces", func() {
		It("creates and removes the scratch directory", func() {
			backup := v1.NewBackup(nil, nil, &v1.StrategyConfig{})

			Expect(a.CreateTaskWorkspace(&backup.Task)).To(Succeed())
			Expect(backup.Workspace).To(Equal(filepath.Join(root, backup.ID)))
			Expect(backup.Workspace).To(BeADirectory())

			Expect(a.DeleteTaskWorkspace(&backup.Task)).To(Succeed())
			Expect(backup.Workspace).ToNot(BeADirectory())
		})

		It("keeps a workspace assigned by an earlier attempt", func() {
			backup := v1.NewBackup(nil, nil, &v1.StrategyConfig{})
			backup.Workspace = filepath.Join(root, "resumed")

			Expect(a.CreateTaskWorkspace(&backup.Task)).To(Succeed())
			Expect(backup.Workspace).To(Equal(filepath.Join(root, "resumed")))
		})
	})

	Describe("tool log files", func() {
		It("surfaces a workspace error when the dump log cannot be created", func() {
			backup := v1.NewBackup(nil, nil, &v1.StrategyConfig{})
			backup.Workspace = filepath.Join(root, "missing", "workspace")

			err := a.DumpBackup(ctx, backup, "mongodb://localhost:27017", "dump", "dump.log", nil)
			Expect(err).To(HaveOccurred())

			var workspaceErr *mbserrors.WorkspaceCreationError
			Expect(errors.As(err, &workspaceErr)).To(BeTrue())
			Expect(mbserrors.IsRetriable(err)).To(BeTrue())
		})

		It("surfaces a workspace error when the restore log cannot be created", func() {
			backup := v1.NewBackup(nil, nil, &v1.StrategyConfig{})
			restore := v1.NewRestore(backup,
				&v1.RestoreDestination{URI: "mongodb://localhost:27017"}, "")
			restore.Workspace = filepath.Join(root, "missing", "workspace")

			err := a.RunMongoRestore(ctx, restore, "mongodb://localhost:27017", "dump",
				"", "restore.log", false, false, nil)
			Expect(err).To(HaveOccurred())

			var workspaceErr *mbserrors.WorkspaceCreationError
			Expect(errors.As(err, &workspaceErr)).To(BeTrue())
			Expect(mbserrors.IsRetriable(err)).To(BeTrue())
		})
	})

	Describe("locality checks", func() {
		It("recognizes loopback addresses", func() {
			Expect(a.IsConnectorLocalToAssistant(localConnector("localhost:27017"))).To(BeTrue())
			Expect(a.IsConnectorLocalToAssistant(localConnector("127.0.0.1:27017"))).To(BeTrue())
			Expect(a.IsConnectorLocalToAssistant(localConnector("db1.example.com:27017"))).To(BeFalse())
		})
	})
})

// localConnector is the minimal connector shape the locality check reads
type localConnector string

func (c localConnector) URI() string                   { return "mongodb://" + string(c) }
func (c localConnector) Address() string               { return string(c) }
func (c localConnector) Info() string                  { return string(c) }
func (c localConnector) IsOnline(context.Context) bool { return true }

func (c localConnector) GetMongoVersion(context.Context) (version.Version, error) {
	return version.Version{}, nil
}

func (c localConnector) GetStats(context.Context, string) (*connector.Stats, error) {
	return nil, nil
}
