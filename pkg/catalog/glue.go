package catalog

import (
	"context"
	stderrors "errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"go.uber.org/zap"

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
)

const (
	parquetInputFormat  = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetInputFormat"
	parquetOutputFormat = "org.apache.hadoop.hive.ql.io.parquet.MapredParquetOutputFormat"
	parquetSerde        = "org.apache.hadoop.hive.ql.io.parquet.serde.ParquetHiveSerDe"

	// BatchCreatePartition accepts at most 100 partitions per call
	maxPartitionsPerCall = 100
)

// GlueAPI is the subset of the Glue client used by the catalog
type GlueAPI interface {
	GetTable(ctx context.Context, in *glue.GetTableInput, opts ...func(*glue.Options)) (*glue.GetTableOutput, error)
	CreateTable(ctx context.Context, in *glue.CreateTableInput, opts ...func(*glue.Options)) (*glue.CreateTableOutput, error)
	UpdateTable(ctx context.Context, in *glue.UpdateTableInput, opts ...func(*glue.Options)) (*glue.UpdateTableOutput, error)
	BatchCreatePartition(ctx context.Context, in *glue.BatchCreatePartitionInput, opts ...func(*glue.Options)) (*glue.BatchCreatePartitionOutput, error)
}

// GlueCatalog registers tables in the AWS Glue data catalog
type GlueCatalog struct {
	client GlueAPI
	logger *zap.Logger
}

// NewGlueCatalog connects to Glue with the default AWS credential chain
func NewGlueCatalog(ctx context.Context, region string, logger *zap.Logger) (*GlueCatalog, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS config")
	}
	return NewGlueCatalogFromClient(glue.NewFromConfig(cfg), logger), nil
}

// NewGlueCatalogFromClient wraps an existing Glue client
func NewGlueCatalogFromClient(client GlueAPI, logger *zap.Logger) *GlueCatalog {
	return &GlueCatalog{client: client, logger: logger.With(zap.String("component", "glue_catalog"))}
}

// EnsureTable creates the table or appends the columns it lacks
func (g *GlueCatalog) EnsureTable(ctx context.Context, def TableDef) ([]string, error) {
	out, err := g.client.GetTable(ctx, &glue.GetTableInput{
		DatabaseName: aws.String(def.Database),
		Name:         aws.String(def.Name),
	})
	if err != nil {
		var nf *types.EntityNotFoundException
		if !stderrors.As(err, &nf) {
			return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "get table %s.%s", def.Database, def.Name)
		}

		cols := MergeColumns(nil, def.Columns)
		_, err := g.client.CreateTable(ctx, &glue.CreateTableInput{
			DatabaseName: aws.String(def.Database),
			TableInput:   tableInput(def, cols),
		})
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "create table %s.%s", def.Database, def.Name)
		}
		g.logger.Info("table created",
			zap.String("database", def.Database),
			zap.String("table", def.Name),
			zap.Int("columns", len(cols)))
		return cols, nil
	}

	var existing []string
	if out.Table != nil && out.Table.StorageDescriptor != nil {
		for _, c := range out.Table.StorageDescriptor.Columns {
			existing = append(existing, aws.ToString(c.Name))
		}
	}

	merged := MergeColumns(existing, def.Columns)
	if len(merged) == len(existing) {
		return merged, nil
	}

	_, err = g.client.UpdateTable(ctx, &glue.UpdateTableInput{
		DatabaseName: aws.String(def.Database),
		TableInput:   tableInput(def, merged),
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeStorage, "update table %s.%s", def.Database, def.Name)
	}
	g.logger.Info("table schema evolved",
		zap.String("database", def.Database),
		zap.String("table", def.Name),
		zap.Strings("added", merged[len(existing):]))
	return merged, nil
}

// AddPartitions registers partitions in batches, ignoring ones that exist
func (g *GlueCatalog) AddPartitions(ctx context.Context, database, table string, parts []Partition) error {
	for start := 0; start < len(parts); start += maxPartitionsPerCall {
		end := start + maxPartitionsPerCall
		if end > len(parts) {
			end = len(parts)
		}

		inputs := make([]types.PartitionInput, 0, end-start)
		for _, p := range parts[start:end] {
			inputs = append(inputs, types.PartitionInput{
				Values: p.Values,
				StorageDescriptor: &types.StorageDescriptor{
					Location:     aws.String(p.Location),
					InputFormat:  aws.String(parquetInputFormat),
					OutputFormat: aws.String(parquetOutputFormat),
					SerdeInfo:    &types.SerDeInfo{SerializationLibrary: aws.String(parquetSerde)},
				},
			})
		}

		out, err := g.client.BatchCreatePartition(ctx, &glue.BatchCreatePartitionInput{
			DatabaseName:       aws.String(database),
			TableName:          aws.String(table),
			PartitionInputList: inputs,
		})
		if err != nil {
			return errors.Wrapf(err, errors.ErrorTypeStorage, "add partitions to %s.%s", database, table)
		}
		for _, pe := range out.Errors {
			if pe.ErrorDetail != nil && aws.ToString(pe.ErrorDetail.ErrorCode) == "AlreadyExistsException" {
				continue
			}
			msg := "unknown error"
			if pe.ErrorDetail != nil {
				msg = aws.ToString(pe.ErrorDetail.ErrorMessage)
			}
			return errors.Newf(errors.ErrorTypeStorage, "add partition %v to %s.%s: %s", pe.PartitionValues, database, table, msg)
		}
	}
	return nil
}

func tableInput(def TableDef, columns []string) *types.TableInput {
	cols := make([]types.Column, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, types.Column{Name: aws.String(c), Type: aws.String("string")})
	}
	keys := make([]types.Column, 0, len(def.PartitionKeys))
	for _, k := range def.PartitionKeys {
		keys = append(keys, types.Column{Name: aws.String(k), Type: aws.String("string")})
	}

	return &types.TableInput{
		Name:          aws.String(def.Name),
		TableType:     aws.String("EXTERNAL_TABLE"),
		PartitionKeys: keys,
		Parameters: map[string]string{
			"classification":      "parquet",
			"parquet.compression": "SNAPPY",
		},
		StorageDescriptor: &types.StorageDescriptor{
			Columns:      cols,
			Location:     aws.String(def.Location),
			InputFormat:  aws.String(parquetInputFormat),
			OutputFormat: aws.String(parquetOutputFormat),
			SerdeInfo:    &types.SerDeInfo{SerializationLibrary: aws.String(parquetSerde)},
		},
	}
}

var _ Catalog = (*GlueCatalog)(nil)
