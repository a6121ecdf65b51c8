package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/envelope"
	"github.com/jmcleod/medseal/keys"
)

// documentFlags builds a metadata document from flags or a JSON file.
type documentFlags struct {
	doc         string
	patientHash string
	examType    string
	date        string
	files       []string
	notesHash   string
}

func (f *documentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.doc, "doc", "", "Metadata document JSON, @file or - for stdin (overrides the field flags)")
	cmd.Flags().StringVar(&f.patientHash, "patient-hash", "", "Hash identifying the patient")
	cmd.Flags().StringVar(&f.examType, "exam-type", "", "Exam type")
	cmd.Flags().StringVar(&f.date, "date", "", "Exam date")
	cmd.Flags().StringSliceVar(&f.files, "file", nil, "Content id of a raw attachment (repeatable)")
	cmd.Flags().StringVar(&f.notesHash, "notes-hash", "", "Hash of the clinical notes")
}

func (f *documentFlags) build(cmd *cobra.Command) (*envelope.MetadataDocument, error) {
	if f.doc == "" {
		return envelope.NewMetadataDocument(f.patientHash, f.examType, f.date, f.files, f.notesHash), nil
	}
	raw, err := readInput(cmd, f.doc)
	if err != nil {
		return nil, err
	}
	var doc envelope.MetadataDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if doc.Files == nil {
		doc.Files = []string{}
	}
	return &doc, nil
}

var (
	sealKeys   keyFlags
	sealDoc    documentFlags
	sealSchema string
)

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Encrypt a metadata document into an envelope",
	Long: `Validate a metadata document and seal it under AES-256-GCM. The envelope
JSON is written to stdout. With --per-upload, the generated key is printed to
stderr and must be handed to recipients.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := sealDoc.build(cmd)
		if err != nil {
			return err
		}
		if err := doc.Validate(); err != nil {
			return err
		}
		provider, release, err := sealKeys.provider(cmd.Context())
		if err != nil {
			return err
		}
		defer release()
		key, err := provider.Key(cmd.Context())
		if err != nil {
			return err
		}
		defer key.Wipe()

		env, err := envelope.SealDocument(doc, key.Bytes(), envelope.WithSchema(sealSchema))
		if err != nil {
			return err
		}
		if key.Mode() == keys.ModePerUpload {
			fmt.Fprintf(cmd.ErrOrStderr(), "decryption key: %s\n", key.Hex())
		}
		return printJSON(cmd.OutOrStdout(), env)
	},
}

func init() {
	rootCmd.AddCommand(sealCmd)
	sealKeys.register(sealCmd, true)
	sealDoc.register(sealCmd)
	sealCmd.Flags().StringVar(&sealSchema, "schema", envelope.DefaultSchema, "Envelope schema tag")
}
