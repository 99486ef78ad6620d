package stream

import (
	"strconv"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/lattice/schema"
)

// Backend-managed attributes that are not part of the document.
var managedAttrs = map[string]bool{
	"_rev":   true,
	"_views": true,
	"_built": true,
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// ImageToDocument converts a stream image of a documents table item into the
// stored document, dropping backend-managed attributes.
func ImageToDocument(image map[string]events.DynamoDBAttributeValue) schema.Document {
	if image == nil {
		return nil
	}
	doc := make(schema.Document, len(image))
	for k, v := range image {
		if managedAttrs[k] {
			continue
		}
		doc[k] = convertValue(v)
	}
	return doc
}

// convertValue converts a stream attribute to the value the attributevalue
// decoder produces for the same attribute: numbers become float64, lists
// []any and maps map[string]any.
func convertValue(v events.DynamoDBAttributeValue) any {
	switch v.DataType() {
	case events.DataTypeString:
		return v.String()
	case events.DataTypeNumber:
		n, err := strconv.ParseFloat(v.Number(), 64)
		if err != nil {
			return v.Number()
		}
		return n
	case events.DataTypeBoolean:
		return v.Boolean()
	case events.DataTypeNull:
		return nil
	case events.DataTypeBinary:
		return v.Binary()
	case events.DataTypeList:
		list := v.List()
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = convertValue(item)
		}
		return out
	case events.DataTypeMap:
		m := v.Map()
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = convertValue(item)
		}
		return out
	case events.DataTypeStringSet:
		set := v.StringSet()
		out := make([]any, len(set))
		for i, s := range set {
			out[i] = s
		}
		return out
	case events.DataTypeNumberSet:
		set := v.NumberSet()
		out := make([]any, len(set))
		for i, s := range set {
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				out[i] = s
				continue
			}
			out[i] = n
		}
		return out
	case events.DataTypeBinarySet:
		set := v.BinarySet()
		out := make([]any, len(set))
		for i, b := range set {
			out[i] = b
		}
		return out
	}
	return nil
}
