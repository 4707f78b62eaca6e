package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"agentflow/internal/security/pathguard"
)

var errUnsafePath = errors.New("path rejected")

func newValidatePathCommand() *cobra.Command {
	var (
		vectorStore bool
		mimeType    string
	)
	cmd := &cobra.Command{
		Use:   "validate-path <path>",
		Short: "Check a path the way file tools and vector stores do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p := args[0]

			if vectorStore {
				resolved, err := pathguard.ValidateVectorStorePath(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s vector store path %s\n", green("✓"), resolved)
				return nil
			}

			traversal := pathguard.IsPathTraversal(p)
			unsafe := pathguard.IsUnsafeFilePath(p)
			fmt.Fprintf(out, "traversal: %t\nunsafe:    %t\n", traversal, unsafe)
			if mimeType != "" {
				if err := pathguard.ValidateMimeTypeAndExtensionMatch(p, mimeType); err != nil {
					return err
				}
				fmt.Fprintf(out, "mime:      %s matches\n", mimeType)
			}
			if unsafe {
				return fmt.Errorf("%w: %s", errUnsafePath, p)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&vectorStore, "vector-store", false, "validate as a vector store path under the storage roots")
	cmd.Flags().StringVar(&mimeType, "mime", "", "also check the extension against this MIME type")
	return cmd
}
