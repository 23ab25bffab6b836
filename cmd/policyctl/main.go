// Copyright (c) 2019 Red Hat and/or its affiliates.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command policyctl stores policy documents where the Nimbess OVS agent
// watches them.
package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/nimbess/nimbess-ovs-agent/pkg/agent"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3"
	"github.com/nimbess/nimbess-ovs-agent/pkg/etcdv3/model"
	"github.com/nimbess/nimbess-ovs-agent/pkg/policy"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	endpoints string
	prefix    string
	timeout   time.Duration
)

func connect() (etcdv3.Client, error) {
	return etcdv3.New(etcdv3.Config{Endpoints: endpoints, DialTimeout: timeout})
}

func withClient(cmd *cobra.Command, fn func(ctx context.Context, client etcdv3.Client) error) error {
	client, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, client)
}

func newApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Store the documents of a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			docs, err := parseDocuments(in)
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, client etcdv3.Client) error {
				return applyDocuments(ctx, client, prefix, docs)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "filename", "f", "-", "File holding a document or a list of documents")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KIND ID",
		Short: "Delete a stored document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, client etcdv3.Client) error {
				return deleteDocument(ctx, client, prefix, policy.Kind(args[0]), args[1])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [KIND]",
		Short: "List stored documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind policy.Kind
			if len(args) == 1 {
				kind = policy.Kind(args[0])
			}
			return withClient(cmd, func(ctx context.Context, client etcdv3.Client) error {
				return listDocuments(ctx, client, prefix, kind, cmd.OutOrStdout())
			})
		},
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "policyctl",
		Short:        "Manage Nimbess policy documents in etcd",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&endpoints, "etcd-endpoints", agent.DefaultEtcdEndpoints, "Comma separated etcd endpoints")
	root.PersistentFlags().StringVar(&prefix, "prefix", model.DefaultPrefix, "Key prefix watched by the agents")
	root.PersistentFlags().DurationVar(&timeout, "timeout", etcdv3.DefaultDialTimeout, "Request timeout")
	root.AddCommand(newApplyCmd(), newDeleteCmd(), newListCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
